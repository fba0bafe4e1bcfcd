// Package ratelimit provides a deterministic token bucket used to bound the
// rate of inbound signaling messages per connection.
package ratelimit
