package dispatch

import (
	"fmt"
	"strings"
	"text/template"

	"newsposter/internal/article"
)

// Template renders the closing paragraph of a community post.
// Fields of the article are available as {{.Title}}, {{.Link}}, ...
type Template struct {
	t *template.Template
}

// ParseTemplate returns nil for blank text.
func ParseTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	t, err := template.New("post").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse post template: %w", err)
	}
	return &Template{t: t}, nil
}

func (t *Template) Render(a article.Article) (string, error) {
	if t == nil || t.t == nil {
		return "", nil
	}
	var b strings.Builder
	if err := t.t.Execute(&b, a); err != nil {
		return "", fmt.Errorf("render post template: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
