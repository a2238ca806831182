// Package verdict implements the Verdict type and the responder that
// serializes it onto the ring (§4.9). Wire values for Kind and
// ModificationType follow the attachment ABI's ServiceVerdict and
// HttpModificationType enums; the on-wire field order for injection and
// web-response descriptors follows §3/§4.9 exactly.
package verdict

import "fmt"

// Kind is the outcome of inspecting one chunk.
type Kind uint16

const (
	Inspect Kind = iota
	Accept
	Drop
	Inject
	Irrelevant
	Reconf
	Wait
)

func (k Kind) String() string {
	switch k {
	case Inspect:
		return "Inspect"
	case Accept:
		return "Accept"
	case Drop:
		return "Drop"
	case Inject:
		return "Inject"
	case Irrelevant:
		return "Irrelevant"
	case Reconf:
		return "Reconf"
	case Wait:
		return "Wait"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether a verdict of this kind ends the session
// (§3): Accept, Drop, and Irrelevant are terminal; everything else
// leaves the session live.
func (k Kind) IsTerminal() bool {
	return k == Accept || k == Drop || k == Irrelevant
}

// ModType is the kind of edit a single modification performs.
type ModType uint8

const (
	Append ModType = iota
	InjectMod
	Replace
)

// IrrelevantPos is the injection_pos sentinel meaning "not positional"
// (append-only modifications).
const IrrelevantPos int64 = -1

// Modification is one entry of an Inject verdict's modification list
// (§3).
type Modification struct {
	OriginalBufferIndex uint8
	InjectionPos        int64
	Type                ModType
	IsHeader            bool
	Payload             []byte
}

// WebResponseKind selects which descriptor shape a Drop verdict
// carries.
type WebResponseKind uint8

const (
	CustomPage WebResponseKind = iota
	CustomBlockPage
	ResponseCodeOnly
	Redirect
	NoWebResponse
)

// WebResponse is the payload of a Drop verdict (§4.9): either a custom
// page or a redirect, never both.
type WebResponse struct {
	Kind WebResponseKind

	// CustomPage / CustomBlockPage / ResponseCodeOnly fields.
	ResponseCode uint16
	Title        string
	Body         string

	// Redirect fields.
	Location    string
	AddEventID  bool
}

// Verdict is the result of inspecting one chunk (§3).
type Verdict struct {
	Kind          Kind
	Modifications []Modification
	WebResponse   *WebResponse
}

// NewAccept, NewDrop, NewInject, etc. build verdicts of each kind.
func NewAccept() Verdict     { return Verdict{Kind: Accept} }
func NewInspect() Verdict    { return Verdict{Kind: Inspect} }
func NewIrrelevant() Verdict { return Verdict{Kind: Irrelevant} }
func NewReconf() Verdict     { return Verdict{Kind: Reconf} }
func NewWait() Verdict       { return Verdict{Kind: Wait} }

func NewInject(mods []Modification) Verdict {
	return Verdict{Kind: Inject, Modifications: mods}
}

func NewDrop(resp WebResponse) Verdict {
	return Verdict{Kind: Drop, WebResponse: &resp}
}

// IsTerminal reports whether v ends the session.
func (v Verdict) IsTerminal() bool { return v.Kind.IsTerminal() }

func (m ModType) String() string {
	switch m {
	case Append:
		return "Append"
	case InjectMod:
		return "Inject"
	case Replace:
		return "Replace"
	default:
		return "Unknown"
	}
}

// validate checks invariants a Verdict must satisfy before it can be
// serialized.
func (v Verdict) validate() error {
	if v.Kind == Inject && len(v.Modifications) == 0 {
		return fmt.Errorf("verdict: Inject verdict must carry at least one modification")
	}
	if v.Kind == Drop && v.WebResponse == nil {
		return fmt.Errorf("verdict: Drop verdict must carry a web response descriptor")
	}
	return nil
}
