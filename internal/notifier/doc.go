// Package notifier delivers outbound chat messages asynchronously.
//
// Messages are queued, sent by a small worker pool behind a token bucket
// rate limit, and retried with jittered exponential backoff. Stop closes
// intake and drains the queue until its context expires.
//
// # Transport
//
// Delivery goes through a transport.Adapter (the Telegram adapter in
// production), so callers never depend on a specific messaging platform.
package notifier
