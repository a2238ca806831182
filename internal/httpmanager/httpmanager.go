// Package httpmanager declares the boundary between the agent and the
// policy engine that actually decides verdicts. The real HttpManager is
// out of scope (spec.md §1); internal/worker only depends on the
// HttpManager interface, so any concrete implementation — in-process
// policy evaluation, an RPC client, whatever — can be substituted
// without touching the inspection loop.
package httpmanager

import (
	"context"

	"github.com/openappsec/openappsec-sub007/internal/codec"
	"github.com/openappsec/openappsec-sub007/internal/session"
	"github.com/openappsec/openappsec-sub007/internal/verdict"
)

// InspectRequest is the typed value the inspection loop hands to the
// policy engine for one chunk (§4.7h). Exactly one of Metadata, Headers,
// Body, ResponseCode, or ContentLength is populated, matching the chunk
// type that produced it.
type InspectRequest struct {
	SessionID codec.SessionID
	ChunkType codec.ChunkType
	IsRequest bool

	Metadata      *codec.TransactionMetadata
	Headers       []codec.HTTPHeader
	Body          *codec.HTTPBody
	ResponseCode  *uint16
	ContentLength *uint64

	SourceIdentifier session.SourceIdentifier
	TenantID         string
	ProfileID        string
}

// HttpManager is the policy-evaluation contract the inspection loop
// depends on.
type HttpManager interface {
	// Inspect returns the verdict for one chunk.
	Inspect(ctx context.Context, req InspectRequest) (verdict.Verdict, error)

	// InspectDelayedVerdict resolves a chunk that was previously held
	// back pending out-of-band data (§3 HoldData, §4.7 "HoldData ⇒
	// defers to HttpManager::inspect_delayed_verdict()").
	InspectDelayedVerdict(ctx context.Context, req InspectRequest) (verdict.Verdict, error)
}
