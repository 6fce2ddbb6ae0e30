package display

import (
	"fmt"
	"io"

	"newsposter/internal/article"
	"newsposter/internal/eventbus"
	"newsposter/internal/storage"

	"github.com/fatih/color"
)

// PrintArticles lists the fetched set with the indices `post --select`
// takes.
func PrintArticles(w io.Writer, all []article.Article, colored bool) {
	idx, dim := color.New(color.FgCyan), color.New(color.Faint)
	if !colored {
		idx.DisableColor()
		dim.DisableColor()
	}
	for i, a := range all {
		img := ""
		if a.HasImage() {
			img = " [img]"
		}
		fmt.Fprintf(w, "%s %s%s\n", idx.Sprintf("%3d", i), a.Title, dim.Sprint(img))
		if a.Link != "" {
			fmt.Fprintf(w, "    %s\n", dim.Sprint(a.Link))
		}
	}
}

// PrintOutcomes lists journaled outcomes, newest first.
func PrintOutcomes(w io.Writer, recs []storage.OutcomeRecord, colored bool) {
	ok, bad, dim := color.New(color.FgGreen), color.New(color.FgRed), color.New(color.Faint)
	if !colored {
		for _, c := range []*color.Color{ok, bad, dim} {
			c.DisableColor()
		}
	}
	for _, r := range recs {
		o := eventbus.Outcome{Index: r.Index, Title: r.Title, OK: r.OK, Social: r.Social, Community: r.Community}
		fmt.Fprintf(w, "%s %s %s\n", r.At.Local().Format("2006-01-02 15:04"), dim.Sprintf("%-9s", r.Mode), FormatOutcome(ok, bad, o))
	}
}
