// Package notifier forwards run results to an operator chat.
//
// Notifications are small, high-signal messages: a run finished, failed or
// was stopped, or one article could not be posted. Each carries a priority,
// a target chat (optionally a forum thread) and send options.
//
// # Pipeline
//
// Notify only enqueues. A small worker pool drains the queue through a token
// bucket, retries failed sends with jittered exponential backoff, and drops
// identical messages inside the dedup window. Delivery goes through a
// transport.Sender (the Telegram adapter), so nothing here depends on a
// specific chat platform.
//
// # Run events
//
// Watch subscribes to the run event bus and turns terminal events and item
// failures into notifications. A full notifier queue never slows a run down.
package notifier
