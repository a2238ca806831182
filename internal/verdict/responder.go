package verdict

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/openappsec/openappsec-sub007/internal/codec"
)

// incidentIDPrefix is prepended to the session UUID string in every
// web-response descriptor (§4.9).
const incidentIDPrefix = "Incident Id: "

// Sender is the subset of *ring.Handle the responder needs. Declaring
// it here (rather than importing the ring package) keeps verdict
// testable with a fake and avoids a dependency edge the responder
// doesn't otherwise need.
type Sender interface {
	SendChunked(parts ...[]byte) error
}

// Respond serializes v onto the ring as a single atomic frame (§4.9).
func Respond(sender Sender, sessionID codec.SessionID, v Verdict, incidentUUID uuid.UUID) error {
	if err := v.validate(); err != nil {
		return fmt.Errorf("verdict: respond: %w", err)
	}

	modCount := 0
	if v.Kind == Inject {
		modCount = len(v.Modifications)
	}

	header := make([]byte, 2+4+1)
	binary.LittleEndian.PutUint16(header[0:2], uint16(v.Kind))
	binary.LittleEndian.PutUint32(header[2:6], uint32(sessionID))
	header[6] = uint8(modCount)

	parts := [][]byte{header}

	switch v.Kind {
	case Inject:
		for _, m := range v.Modifications {
			parts = append(parts, encodeModification(m), m.Payload)
		}
	case Drop:
		parts = append(parts, encodeWebResponse(*v.WebResponse, incidentUUID))
	}

	if err := sender.SendChunked(parts...); err != nil {
		return fmt.Errorf("verdict: respond: send: %w", err)
	}
	return nil
}

// encodeModification builds one injection_descriptor (§3):
// original_buffer_index:u8, injection_pos:i64, mod_type:u8,
// injection_size:u16, is_header:u8. The payload bytes themselves are a
// separate ring-frame segment, not part of this descriptor.
func encodeModification(m Modification) []byte {
	out := make([]byte, 1+8+1+2+1)
	out[0] = m.OriginalBufferIndex
	binary.LittleEndian.PutUint64(out[1:9], uint64(m.InjectionPos))
	out[9] = uint8(m.Type)
	binary.LittleEndian.PutUint16(out[10:12], uint16(len(m.Payload)))
	if m.IsHeader {
		out[12] = 1
	}
	return out
}

// encodeWebResponse builds the web_response_descriptor (§4.9), tagged
// with its kind so the plugin side can tell a custom page from a
// redirect.
func encodeWebResponse(r WebResponse, incidentUUID uuid.UUID) []byte {
	uuidBytes := []byte(incidentIDPrefix + incidentUUID.String())

	switch r.Kind {
	case Redirect:
		location := []byte(r.Location)
		out := make([]byte, 1+2+1, 1+2+1+len(location)+len(uuidBytes))
		out[0] = uint8(r.Kind)
		binary.LittleEndian.PutUint16(out[1:3], uint16(len(location)))
		if r.AddEventID {
			out[3] = 1
		}
		out = append(out, location...)
		out = append(out, uuidBytes...)
		return out
	default:
		title := []byte(r.Title)
		body := []byte(r.Body)
		out := make([]byte, 1+2+1+1, 1+2+1+1+len(title)+len(body)+len(uuidBytes))
		out[0] = uint8(r.Kind)
		binary.LittleEndian.PutUint16(out[1:3], r.ResponseCode)
		out[3] = uint8(len(title))
		out[4] = uint8(len(body))
		out = append(out, title...)
		out = append(out, body...)
		out = append(out, uuidBytes...)
		return out
	}
}
