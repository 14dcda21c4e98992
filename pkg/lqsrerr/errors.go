// Package lqsrerr defines the typed error taxonomy of spec.md §7.
// Handlers never let exceptions escape; every failure path returns one of
// these sentinels, optionally wrapped with fmt.Errorf("...: %w", err) for
// additional context, matching the style of the teacher's
// pkg/onion/router.go ProcessPacket.
package lqsrerr

import (
	"errors"
	"fmt"
)

var (
	// ErrMacFailure: HMAC mismatch on a received frame. Drop silently,
	// increment a counter.
	ErrMacFailure = errors.New("lqsr: MAC verification failed")

	// ErrMalformedOption: option length exceeds frame, or an unknown
	// required option. Drop; counter.
	ErrMalformedOption = errors.New("lqsr: malformed option")

	// ErrPayloadTooSmall: encrypted remainder is not a block multiple,
	// or the padding byte is invalid.
	ErrPayloadTooSmall = errors.New("lqsr: payload too small or padding invalid")

	// ErrNoRoute: Dijkstra reports the target unreachable. Queue in the
	// send buffer; trigger a Route Request.
	ErrNoRoute = errors.New("lqsr: no route to destination")

	// ErrQueueFull: outgoing-interface send queue at capacity. Drop
	// packet; counter; caller may retry.
	ErrQueueFull = errors.New("lqsr: outgoing interface queue full")

	// ErrBufferTooSmall: encode target buffer too small for the options.
	ErrBufferTooSmall = errors.New("lqsr: encode buffer too small")

	// ErrTooManyOptions: encode target cannot represent the option count
	// or a hop list exceeds the maximum path length.
	ErrTooManyOptions = errors.New("lqsr: too many options or hops")

	// ErrResources: allocation failed. Counter; drop.
	ErrResources = errors.New("lqsr: resource allocation failed")

	// ErrLinkTimeout: maintenance gave up on a link. Penalize link;
	// salvage queued packets; emit a Route Error.
	ErrLinkTimeout = errors.New("lqsr: link timed out")

	// ErrSalvageImpossible: static route, salvage count overflow, same
	// next hop, or no alternative route. Complete the packet with
	// failure; emit a Route Error.
	ErrSalvageImpossible = errors.New("lqsr: salvage impossible")
)

// InvalidParameter is returned by Control Plane configuration operations
// when a parameter is out of the bounds of spec.md §4.4. No state change
// is made when this error is returned.
type InvalidParameter struct {
	Name  string
	Value any
	Bound string
}

func (e *InvalidParameter) Error() string {
	return fmt.Sprintf("lqsr: invalid parameter %s=%v (%s)", e.Name, e.Value, e.Bound)
}

// NewInvalidParameter constructs an InvalidParameter error.
func NewInvalidParameter(name string, value any, bound string) error {
	return &InvalidParameter{Name: name, Value: value, Bound: bound}
}
