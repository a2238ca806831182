package httpmanager

import (
	"context"
	"strings"

	"github.com/openappsec/openappsec-sub007/internal/verdict"
)

// Mock is a deterministic stand-in for the real policy engine: by
// default it approves everything except a short list of obviously
// malicious body substrings, and records every call it receives so
// tests can assert on them. It backs internal/worker's tests and, in
// the absence of a real HttpManager integration, cmd/agent's default
// wiring.
type Mock struct {
	InspectFunc        func(ctx context.Context, req InspectRequest) (verdict.Verdict, error)
	InspectDelayedFunc func(ctx context.Context, req InspectRequest) (verdict.Verdict, error)
	Calls              []InspectRequest
	DelayedCalls       []InspectRequest
}

// NewMock returns a Mock with default heuristics.
func NewMock() *Mock {
	return &Mock{}
}

var blockedSubstrings = []string{
	"ignore all previous instructions",
	"<script>",
}

func (m *Mock) Inspect(ctx context.Context, req InspectRequest) (verdict.Verdict, error) {
	m.Calls = append(m.Calls, req)
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx, req)
	}
	return defaultVerdict(req), nil
}

func (m *Mock) InspectDelayedVerdict(ctx context.Context, req InspectRequest) (verdict.Verdict, error) {
	m.DelayedCalls = append(m.DelayedCalls, req)
	if m.InspectDelayedFunc != nil {
		return m.InspectDelayedFunc(ctx, req)
	}
	return defaultVerdict(req), nil
}

func defaultVerdict(req InspectRequest) verdict.Verdict {
	if req.Body != nil {
		lower := strings.ToLower(req.Body.Data.String())
		for _, blocked := range blockedSubstrings {
			if strings.Contains(lower, blocked) {
				return verdict.NewDrop(verdict.WebResponse{
					Kind:         verdict.CustomPage,
					ResponseCode: 403,
					Title:        "Blocked",
					Body:         "Request blocked by policy",
				})
			}
		}
	}
	return verdict.NewAccept()
}
