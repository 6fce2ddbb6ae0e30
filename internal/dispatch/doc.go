// Package dispatch performs one post of one article to one platform.
//
// PostToSocial never fails past its boundary: every error and panic becomes
// a failed Result. PostToCommunity returns the first target's error so the
// caller can record the article as failed and move on.
package dispatch
