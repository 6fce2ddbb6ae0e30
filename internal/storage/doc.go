// Package storage persists the fetched article cache and a journal of
// per-article posting outcomes.
//
// The article cache is positional: an article's index in the cache is its
// original fetch-order index, and the image preprocessor and eviction both
// address entries by that index.
package storage
