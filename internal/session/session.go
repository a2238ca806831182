// Package session implements the per-process session table keyed by
// session id (§4.4): one Opaque per live session, a single active-key
// slot used by the worker inspection loop for configuration lookups,
// and a typed side-table attached to each entry.
//
// The store is deliberately not safe for concurrent use. All session
// mutation is expected to run on the single goroutine that owns a
// worker's inspection loop (see internal/mainloop); that discipline is
// what lets Opaque avoid a mutex entirely.
package session

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/openappsec/openappsec-sub007/internal/codec"
	"github.com/openappsec/openappsec-sub007/internal/compression"
)

// Default TTL transitions from §3 (I5).
const (
	// RequestEndTTL is the expiration set when RequestEnd is observed.
	RequestEndTTL = time.Hour
	// ResponseCodeTTL is the expiration set when ResponseCode is observed.
	ResponseCodeTTL = time.Minute
)

// Saved-data keys with defined meaning (§3); callers may use arbitrary
// additional keys.
const (
	SavedReqHeaders = "req_headers"
	SavedReqBody    = "req_body"
	SavedProxyIP    = "proxy_ip"
	SavedAssetID    = "assetId"
	SavedAssetName  = "assetName"
)

// SourceIdentifier is the current best-known client identity for a
// session, together with the kind that produced it. Kind values are
// compared by the identity package's fixed priority order; a new
// candidate replaces the current one only if strictly higher priority.
type SourceIdentifier struct {
	Kind  string
	Value string
}

// Opaque is the per-session state owned by the store (§3).
type Opaque struct {
	Metadata codec.TransactionMetadata

	// ResponseDecoder streams the response body's decompression across
	// chunks; nil until a compressed response body is first seen.
	ResponseDecoder *compression.Decoder

	SourceIdentifier SourceIdentifier

	// UUID is generated once at creation and used as the incident id in
	// custom responses.
	UUID uuid.UUID

	TenantID  string
	ProfileID string

	savedData map[string]string
	state     map[reflect.Type]any
}

func newOpaque() *Opaque {
	return &Opaque{
		UUID:      uuid.New(),
		savedData: make(map[string]string),
	}
}

// SetSavedData overwrites the value stored under key.
func (o *Opaque) SetSavedData(key, value string) {
	o.savedData[key] = value
}

// AddToSavedData appends value to whatever is already stored under key
// (used for req_headers, which accumulates one "key: value\r\n" line per
// parsed request header).
func (o *Opaque) AddToSavedData(key, value string) {
	o.savedData[key] += value
}

// GetSavedData returns the value stored under key, if any.
func (o *Opaque) GetSavedData(key string) (string, bool) {
	v, ok := o.savedData[key]
	return v, ok
}

// release disposes of resources an evicted or deleted Opaque is holding.
func (o *Opaque) release() {
	if o.ResponseDecoder != nil {
		o.ResponseDecoder.Close()
	}
}

type entry struct {
	opaque    *Opaque
	expiresAt time.Time
}

// Store is the per-process session table.
type Store struct {
	entries   map[codec.SessionID]*entry
	activeKey *codec.SessionID
}

// NewStore builds an empty session table.
func NewStore() *Store {
	return &Store{entries: make(map[codec.SessionID]*entry)}
}

// CreateEntry creates a new opaque for id, failing if one already
// exists. Use RecreateEntry to implement the RequestStart delete-then-
// create contract (I4).
func (s *Store) CreateEntry(id codec.SessionID, ttl time.Duration) (*Opaque, error) {
	if _, exists := s.entries[id]; exists {
		return nil, fmt.Errorf("session: entry for id %d already exists", id)
	}
	e := &entry{opaque: newOpaque(), expiresAt: time.Now().Add(ttl)}
	s.entries[id] = e
	return e.opaque, nil
}

// RecreateEntry deletes any existing opaque for id and creates a fresh
// one, matching the RequestStart edge-case policy (I4): "duplicate/late
// RequestStart for the same session id: delete prior entry, then
// create."
func (s *Store) RecreateEntry(id codec.SessionID, ttl time.Duration) *Opaque {
	s.DeleteEntry(id)
	e := &entry{opaque: newOpaque(), expiresAt: time.Now().Add(ttl)}
	s.entries[id] = e
	return e.opaque
}

// DeleteEntry removes id's entry, releasing its resources. It also
// clears the active key if id was active. Deleting a nonexistent id is
// a no-op.
func (s *Store) DeleteEntry(id codec.SessionID) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.opaque.release()
	delete(s.entries, id)
	if s.activeKey != nil && *s.activeKey == id {
		s.activeKey = nil
	}
}

// Has reports whether id has a live entry (I3: chunks for unknown
// session ids must be dropped without creating one).
func (s *Store) Has(id codec.SessionID) bool {
	_, ok := s.entries[id]
	return ok
}

// SetActiveKey marks id as the single active session for subsequent
// configuration and logging look-ups, failing if id has no entry.
func (s *Store) SetActiveKey(id codec.SessionID) error {
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("session: cannot activate unknown id %d", id)
	}
	s.activeKey = &id
	return nil
}

// UnsetActiveKey clears the active session slot.
func (s *Store) UnsetActiveKey() {
	s.activeKey = nil
}

// StateOfActive returns the opaque for the currently active session.
func (s *Store) StateOfActive() (*Opaque, error) {
	if s.activeKey == nil {
		return nil, fmt.Errorf("session: no active key set")
	}
	e, ok := s.entries[*s.activeKey]
	if !ok {
		return nil, fmt.Errorf("session: active key %d has no entry", *s.activeKey)
	}
	return e.opaque, nil
}

// SetExpiration resets the TTL of the currently active entry.
func (s *Store) SetExpiration(ttl time.Duration) error {
	if s.activeKey == nil {
		return fmt.Errorf("session: no active key set")
	}
	e, ok := s.entries[*s.activeKey]
	if !ok {
		return fmt.Errorf("session: active key %d has no entry", *s.activeKey)
	}
	e.expiresAt = time.Now().Add(ttl)
	return nil
}

// Count returns the number of live entries, used for telemetry.
func (s *Store) Count() int {
	return len(s.entries)
}

// EvictExpired removes every entry whose TTL has elapsed as of now,
// releasing its resources, and returns the evicted ids. Called
// periodically by the owning inspection loop.
func (s *Store) EvictExpired(now time.Time) []codec.SessionID {
	var evicted []codec.SessionID
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		s.DeleteEntry(id)
	}
	return evicted
}

func stateOf(o *Opaque) map[reflect.Type]any {
	if o.state == nil {
		o.state = make(map[reflect.Type]any)
	}
	return o.state
}

// HasState reports whether the currently active entry carries a T.
func HasState[T any](s *Store) bool {
	o, err := s.StateOfActive()
	if err != nil {
		return false
	}
	_, ok := stateOf(o)[reflect.TypeOf((*T)(nil)).Elem()]
	return ok
}

// GetState returns the T attached to the currently active entry.
func GetState[T any](s *Store) (*T, bool) {
	o, err := s.StateOfActive()
	if err != nil {
		return nil, false
	}
	v, ok := stateOf(o)[reflect.TypeOf((*T)(nil)).Elem()]
	if !ok {
		return nil, false
	}
	return v.(*T), true
}

// CreateState attaches a new T to the currently active entry,
// overwriting any existing value of that type.
func CreateState[T any](s *Store, v T) (*T, error) {
	o, err := s.StateOfActive()
	if err != nil {
		return nil, err
	}
	p := &v
	stateOf(o)[reflect.TypeOf((*T)(nil)).Elem()] = p
	return p, nil
}

// DeleteState removes the T attached to the currently active entry, if
// any.
func DeleteState[T any](s *Store) {
	o, err := s.StateOfActive()
	if err != nil {
		return
	}
	delete(stateOf(o), reflect.TypeOf((*T)(nil)).Elem())
}
