// Package article holds the posting data model: fetched articles and the
// ordered queue a run consumes.
package article

import (
	"errors"
	"strings"
)

// ErrEmptySelection is returned when a selection keeps no article.
var ErrEmptySelection = errors.New("article: selection is empty")

// Article is one fetched news item. Image is a URL, a local path, or empty.
// The json names match the on-disk article cache.
type Article struct {
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	FullStory string `json:"fullstory"`
	Link      string `json:"link"`
	Image     string `json:"image,omitempty"`
}

// Key identifies an article for de-duplication.
func (a Article) Key() string { return a.Title + "_" + a.Link }

func (a Article) HasImage() bool { return strings.TrimSpace(a.Image) != "" }

// Entry is one queued article together with its position in the full
// fetched set. Source is what the article cache is keyed by.
type Entry struct {
	Article Article
	Source  int
}

// Queue is an ordered posting queue. Insertion order is posting order.
type Queue []Entry

// NewQueue builds a queue from the fetched set and the selected indices.
// Selection order is kept; out-of-range indices and repeated title+link
// pairs are dropped.
func NewQueue(all []Article, selected []int) (Queue, error) {
	seen := make(map[string]struct{}, len(selected))
	q := make(Queue, 0, len(selected))
	for _, idx := range selected {
		if idx < 0 || idx >= len(all) {
			continue
		}
		a := all[idx]
		k := a.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		q = append(q, Entry{Article: a, Source: idx})
	}
	if len(q) == 0 {
		return nil, ErrEmptySelection
	}
	return q, nil
}

// FromArticles queues every article in order, de-duplicated.
func FromArticles(all []Article) (Queue, error) {
	idx := make([]int, len(all))
	for i := range all {
		idx[i] = i
	}
	return NewQueue(all, idx)
}

func (q Queue) Len() int { return len(q) }

// Articles returns a copy of the queued articles in order.
func (q Queue) Articles() []Article {
	out := make([]Article, len(q))
	for i, e := range q {
		out[i] = e.Article
	}
	return out
}

// Clone returns an independent copy so a run can own its queue.
func (q Queue) Clone() Queue {
	if q == nil {
		return nil
	}
	out := make(Queue, len(q))
	copy(out, q)
	return out
}
