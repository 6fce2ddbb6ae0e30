// Package logtail prints and follows the JSON log file.
package logtail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	logx "newsposter/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

var ErrNoLog = errors.New("logtail: log file not found")

type Options struct {
	// Lines limits the initial print to the last n lines. 0 prints all.
	Lines int
	// Follow keeps printing appended lines until ctx ends.
	Follow bool
	// Pretty renders JSON lines like the console sink.
	Pretty bool
	Color  bool
	Log    logx.Logger
}

type tail struct {
	path string
	out  io.Writer
	pp   io.Writer
	log  logx.Logger

	off     int64
	partial []byte
}

// Run prints the log at path to out and optionally follows it. A missing
// file is an error unless following, in which case Run waits for it.
func Run(ctx context.Context, path string, out io.Writer, opts Options) error {
	t := &tail{path: filepath.Clean(path), out: out, log: opts.Log}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	if opts.Pretty {
		t.pp = logx.PrettyWriter(out, opts.Color)
	}

	if err := t.printTail(opts.Lines); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if !opts.Follow {
			return fmt.Errorf("%w: %s", ErrNoLog, path)
		}
	}
	if !opts.Follow {
		return nil
	}
	return t.follow(ctx)
}

func (t *tail) printTail(n int) error {
	b, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	end := bytes.LastIndexByte(b, '\n') + 1
	t.off = int64(end)
	t.partial = nil

	lines := bytes.SplitAfter(b[:end], []byte("\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		t.emit(l)
	}
	return nil
}

func (t *tail) follow(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("logtail: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("logtail: watch %s: %w", filepath.Dir(t.path), err)
	}
	// Catch writes that landed between the initial print and Add.
	t.drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				t.off, t.partial = 0, nil
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				t.drain()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			t.log.Warn("log watch error", logx.Err(err))
		}
	}
}

// drain prints every complete line appended since the last read. A file
// shorter than the last offset was truncated and is read from the start.
func (t *tail) drain() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return
	}
	if st.Size() < t.off {
		t.off, t.partial = 0, nil
	}
	if _, err := f.Seek(t.off, io.SeekStart); err != nil {
		return
	}
	b, err := io.ReadAll(f)
	if err != nil || len(b) == 0 {
		return
	}
	t.off += int64(len(b))

	buf := append(t.partial, b...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		t.emit(buf[:i+1])
		buf = buf[i+1:]
	}
	t.partial = append([]byte(nil), buf...)
}

func (t *tail) emit(line []byte) {
	if t.pp != nil && len(bytes.TrimSpace(line)) > 0 && line[0] == '{' {
		if _, err := t.pp.Write(line); err == nil {
			return
		}
	}
	_, _ = t.out.Write(line)
}
