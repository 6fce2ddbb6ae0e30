package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"newsposter/internal/article"
	logx "newsposter/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const metaCacheSaved = "articles_saved_at"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) hasCache(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaCacheSaved).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) LoadArticles(ctx context.Context) ([]article.Article, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	ok, err := s.hasCache(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCache
	}
	return loadRows(ctx, s.db)
}

func loadRows(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}) ([]article.Article, error) {
	rows, err := q.QueryContext(ctx, `SELECT title, summary, fullstory, link, image FROM articles ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := []article.Article{}
	for rows.Next() {
		var a article.Article
		var img sql.NullString
		if err := rows.Scan(&a.Title, &a.Summary, &a.FullStory, &a.Link, &img); err != nil {
			return nil, err
		}
		a.Image = img.String
		all = append(all, a)
	}
	return all, rows.Err()
}

func (s *sqliteStore) SaveArticles(ctx context.Context, all []article.Article) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := replaceRows(ctx, tx, all); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceRows(ctx context.Context, tx *sql.Tx, all []article.Article) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM articles`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO articles(pos, title, summary, fullstory, link, image) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, a := range all {
		if _, err := stmt.ExecContext(ctx, i, a.Title, a.Summary, a.FullStory, a.Link, nullStr(a.Image)); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		metaCacheSaved, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) UpdateImages(ctx context.Context, images map[int]string) ([]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(images) == 0 {
		return nil, nil
	}
	ok, err := s.hasCache(ctx, s.db)
	if err != nil || !ok {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var skipped []int
	for pos, img := range images {
		res, err := tx.ExecContext(ctx, `UPDATE articles SET image = ? WHERE pos = ?`, nullStr(img), pos)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped = append(skipped, pos)
		}
	}
	sortDesc(skipped)
	return skipped, tx.Commit()
}

func (s *sqliteStore) Evict(ctx context.Context, positions []int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.hasCache(ctx, tx)
	if err != nil || !ok {
		return nil, err
	}
	all, err := loadRows(ctx, tx)
	if err != nil {
		return nil, err
	}
	plan := evictPlan(positions, len(all))
	if len(plan) == 0 {
		return nil, nil
	}
	images := make([]string, 0, len(plan))
	for _, p := range plan {
		if img := all[p].Image; img != "" {
			images = append(images, img)
		}
		all = append(all[:p], all[p+1:]...)
	}
	if err := replaceRows(ctx, tx, all); err != nil {
		return nil, err
	}
	return images, tx.Commit()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, r OutcomeRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, run_id, mode, idx, source, title, link, ok, social, community)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.RunID, r.Mode, r.Index, r.Source, r.Title, r.Link, ok,
		nullStr(r.Social), nullStr(r.Community),
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, mode, idx, source, title, link, ok, social, community
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			r         OutcomeRecord
			at        string
			ok        int
			social    sql.NullString
			community sql.NullString
		)
		if err := rows.Scan(&at, &r.RunID, &r.Mode, &r.Index, &r.Source, &r.Title, &r.Link, &ok, &social, &community); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			r.At = t
		}
		r.OK = ok == 1
		r.Social = social.String
		r.Community = community.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
