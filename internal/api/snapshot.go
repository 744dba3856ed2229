package api

import (
	"context"

	"delta-relay/pkg/types"
)

// Dispatcher is the engine surface the HTTP layer drives. *engine.Engine
// satisfies it; the indirection keeps this package free of engine internals
// and lets handler tests substitute a fake.
type Dispatcher interface {
	// Dispatch runs one parsed signal and blocks until its queue slot has
	// finished, so the response reflects what actually happened.
	Dispatch(ctx context.Context, sig *types.Signal) Response

	// Events is the stream broadcast to /ws clients.
	Events() <-chan Event

	// Snapshot accessors behind the debug endpoints.
	StateSnapshot() StateSnapshot
	ChainSnapshot() []ChainStatus
	SeenSnapshot() []SeenEntry
}
