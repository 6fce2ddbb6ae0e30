package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"newsposter/internal/article"
	logx "newsposter/pkg/logx"

	"github.com/spf13/afero"
)

// fileStore keeps the cache in the same shape the desktop tool used.
//
// Files:
//   - <path>                     (JSON array of articles, rewritten atomically)
//   - <prefix>.outcomes.jsonl    (append-only JSON Lines)
type fileStore struct {
	log logx.Logger
	fs  afero.Fs

	mu sync.Mutex

	cachePath    string
	outcomesPath string
	outcomes     afero.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outPath := prefix + ".outcomes.jsonl"
	of, err := fs.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		fs:           fs,
		cachePath:    path,
		outcomesPath: outPath,
		outcomes:     of,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return nil
	}
	err := s.outcomes.Close()
	s.outcomes = nil
	return err
}

func (s *fileStore) LoadArticles(ctx context.Context) ([]article.Article, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileStore) loadLocked() ([]article.Article, error) {
	b, err := afero.ReadFile(s.fs, s.cachePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCache
	}
	if err != nil {
		return nil, err
	}
	var all []article.Article
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *fileStore) SaveArticles(ctx context.Context, all []article.Article) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(all)
}

func (s *fileStore) writeLocked(all []article.Article) error {
	if all == nil {
		all = []article.Article{}
	}
	b, err := json.Marshal(all)
	if err != nil {
		return err
	}
	tmp := s.cachePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.cachePath); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) UpdateImages(ctx context.Context, images map[int]string) ([]int, error) {
	_ = ctx
	if len(images) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked()
	if errors.Is(err, ErrNoCache) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var skipped []int
	for pos, img := range images {
		if pos < 0 || pos >= len(all) {
			skipped = append(skipped, pos)
			continue
		}
		all[pos].Image = img
	}
	sortDesc(skipped)
	return skipped, s.writeLocked(all)
}

func (s *fileStore) Evict(ctx context.Context, positions []int) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked()
	if errors.Is(err, ErrNoCache) {
		return nil, nil
	}
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
	return images, s.writeLocked(all)
}

func (s *fileStore) AppendOutcome(ctx context.Context, r OutcomeRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return errors.New("outcome journal closed")
	}
	return json.NewEncoder(s.outcomes).Encode(r)
}

func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.Open(s.outcomesPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []OutcomeRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r OutcomeRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Debug("skipping malformed outcome line", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
