// Package transport abstracts the client-facing session sink. The
// registry stores one Transport per connection; the router writes to it
// and treats every failure as non-fatal.
package transport

import "github.com/propline/coord/internal/event"

// Transport is one live client session sink.
type Transport interface {
	// Send delivers a single event. Implementations must not block the
	// caller indefinitely; a slow or dead peer returns an error instead.
	Send(ev *event.Event) error
	// Close tears down the underlying session. Safe to call twice.
	Close() error
}
