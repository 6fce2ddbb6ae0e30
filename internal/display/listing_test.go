package display

import (
	"bytes"
	"testing"
	"time"

	"newsposter/internal/article"
	"newsposter/internal/storage"
)

func TestPrintArticles(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	PrintArticles(&out, []article.Article{
		{Title: "First", Link: "https://n.example/1", Image: "https://img.example/1.jpg"},
		{Title: "Second"},
	}, false)
	want := "  0 First [img]\n    https://n.example/1\n  1 Second\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestPrintOutcomes(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	at := time.Date(2026, 3, 10, 9, 30, 0, 0, time.Local)
	PrintOutcomes(&out, []storage.OutcomeRecord{
		{At: at, Mode: "scheduled", Index: 1, Title: "B", Social: "failed: 403"},
		{At: at, Mode: "now", Index: 0, Title: "A", OK: true, Social: "ok"},
	}, false)
	want := "2026-03-10 09:30 scheduled [fail] #2 B (social failed: 403)\n" +
		"2026-03-10 09:30 now       [ok]   #1 A\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}
