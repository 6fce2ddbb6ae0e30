package storage

import (
	"errors"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNoCache is returned by LoadArticles when nothing has been saved yet.
	ErrNoCache = errors.New("storage: no article cache")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON article cache + JSONL outcome journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Fs backs the file driver. Nil means the OS filesystem.
	Fs afero.Fs
}

// OutcomeRecord is one journaled per-article result.
// Keep it compact and schema-stable.
type OutcomeRecord struct {
	At        time.Time `json:"at"`
	RunID     string    `json:"run_id"`
	Mode      string    `json:"mode"`
	Index     int       `json:"index"`  // position in the run's queue
	Source    int       `json:"source"` // position in the article cache
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	OK        bool      `json:"ok"`
	Social    string    `json:"social,omitempty"`
	Community string    `json:"community,omitempty"`
}
