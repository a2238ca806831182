package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openappsec/openappsec-sub007/internal/buffer"
	"github.com/openappsec/openappsec-sub007/internal/codec"
	"github.com/openappsec/openappsec-sub007/internal/compression"
	"github.com/openappsec/openappsec-sub007/internal/httpmanager"
	"github.com/openappsec/openappsec-sub007/internal/session"
	"github.com/openappsec/openappsec-sub007/internal/verdict"
)

const signalSize = 4
const frameHeaderSize = 2 + 4 // data_type:u16, session_id:u32

// Serve runs the Serving-state pump until ctx is cancelled or the
// verdict socket read fails permanently, which per §4.7 means the
// plugin worker has died silently: the caller is expected to close the
// connection and leave the ring intact awaiting re-registration.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		signaled, err := w.readSignal()
		if err != nil {
			w.state = Recovering
			return fmt.Errorf("worker: serve: %w", err)
		}
		w.state = Serving
		w.pump(ctx, signaled)
		w.sessions.EvictExpired(time.Now())
	}
}

// readSignal reads the 4-byte signaled_session_id, retrying up to 3
// times on transient errors (§4.7 step 1).
func (w *Worker) readSignal() (codec.SessionID, error) {
	var buf [signalSize]byte
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := io.ReadFull(w.conn, buf[:]); err != nil {
			lastErr = err
			continue
		}
		return codec.SessionID(binary.LittleEndian.Uint32(buf[:])), nil
	}
	return 0, fmt.Errorf("worker: read signal: %w", lastErr)
}

// writeSignal sends a 4-byte session-id signal back to the plugin,
// retrying up to 3 times (§4.7 step k).
func (w *Worker) writeSignal(id codec.SessionID) error {
	var buf [signalSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := w.conn.Write(buf[:]); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("worker: write signal: %w", lastErr)
}

// pump drains the ring of every frame belonging to the signaled
// session, plus any MetricFromPlugin frames it passes along the way
// (§4.7 step 2).
func (w *Worker) pump(ctx context.Context, signaled codec.SessionID) {
	for w.ring.IsDataAvailable() {
		raw, err := w.ring.Receive()
		if err != nil {
			w.recoverFromCorruption(err)
			return
		}
		if raw == nil {
			return
		}
		if len(raw) < frameHeaderSize {
			w.recoverFromCorruption(fmt.Errorf("worker: frame of %d bytes shorter than header", len(raw)))
			return
		}

		// Copy out of the ring mapping before Pop invalidates it.
		frame := append([]byte(nil), raw...)

		dataType := codec.ChunkType(binary.LittleEndian.Uint16(frame[0:2]))
		sessionID := codec.SessionID(binary.LittleEndian.Uint32(frame[2:6]))
		payload := frame[frameHeaderSize:]

		if dataType == codec.MetricFromPlugin {
			w.forwardPluginMetrics(payload)
			w.ring.Pop()
			continue
		}

		if sessionID != signaled {
			w.ring.Pop()
			continue // irrelevant signal: not our turn for this session
		}

		terminal := w.handleSessionFrame(ctx, dataType, sessionID, payload)
		w.ring.Pop()
		if terminal || !w.ring.IsDataAvailable() {
			if err := w.writeSignal(sessionID); err != nil {
				slog.Error("worker: failed to signal plugin", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

func (w *Worker) recoverFromCorruption(cause error) {
	w.state = Recovering
	w.ring.Dump()
	w.ring.Reset(w.cfg.RingElements)
	if w.metrics != nil {
		w.metrics.RecordRingCorruption()
	}
	slog.Error("worker: ring corrupted, reset", "error", cause)
}

func (w *Worker) forwardPluginMetrics(payload []byte) {
	if w.plugin == nil {
		return
	}
	if err := w.plugin.ForwardCounters(payload); err != nil {
		slog.Warn("worker: failed to forward plugin counters", "error", err)
	}
}

// handleSessionFrame implements steps e-j of the per-frame pipeline for
// a frame already known to belong to the currently signaled session.
// It returns true when the session should be considered terminated for
// signalling purposes (step k).
func (w *Worker) handleSessionFrame(ctx context.Context, dataType codec.ChunkType, sessionID codec.SessionID, payload []byte) bool {
	if w.isFailOpenTriggered() {
		w.emitVerdict(sessionID, verdict.NewAccept(), false)
		w.sessions.DeleteEntry(sessionID)
		return true
	}

	if dataType != codec.RequestStart && !w.sessions.Has(sessionID) {
		return false // (I3): chunk for unknown session id, dropped silently
	}

	buf := buffer.New(payload)
	v, isHeader, err := w.dispatch(ctx, dataType, sessionID, &buf)
	if err != nil {
		// §7 parse-error policy: reply with the default verdict but
		// always keep the session alive, regardless of whether that
		// verdict's kind would otherwise be terminal.
		if w.metrics != nil {
			w.metrics.RecordParseFailure()
		}
		slog.Debug("worker: chunk parse failed, using default verdict", "chunk_type", dataType, "session_id", sessionID, "error", err)
		w.emitVerdict(sessionID, w.defaultVerdict(), isHeader)
		w.sessions.UnsetActiveKey()
		return false
	}

	w.emitVerdict(sessionID, v, isHeader)
	if v.IsTerminal() {
		w.sessions.DeleteEntry(sessionID)
		return true
	}
	w.sessions.UnsetActiveKey()
	return false
}

// defaultVerdict is the fallback used for an empty RequestStart buffer
// and for any chunk that fails codec parsing (§4.7, §7). This is the
// configured default_verdict, driven by cfg.FailOpen alone — it is
// independent of isFailOpenTriggered's runtime overload assertion.
func (w *Worker) defaultVerdict() verdict.Verdict {
	if w.cfg.FailOpen {
		return verdict.NewAccept()
	}
	return verdict.NewDrop(verdict.WebResponse{Kind: verdict.NoWebResponse})
}

// isFailOpenTriggered implements step (e)'s bypass condition: the
// configured fail-open flag AND a runtime overload assertion from the
// FailopenModeListener, not the config flag by itself. Setting
// `Fail Open Mode state=true` alone (a common production setting meant
// only to make default_verdict accept instead of drop on error) must
// not silently disable inspection of every transaction.
func (w *Worker) isFailOpenTriggered() bool {
	return w.cfg.FailOpen && w.failopen != nil && w.failopen.IsFailopenMode()
}

// emitVerdict serializes v onto the ring via the Verdict Responder and
// records it. isHeader threads through the §4.7 step-i distinction
// (RequestHeader | ResponseHeader | ContentLength) for callers that
// want it for logging; the wire frame itself carries no such flag.
func (w *Worker) emitVerdict(sessionID codec.SessionID, v verdict.Verdict, isHeader bool) {
	var incidentUUID uuid.UUID
	if o, err := w.sessions.StateOfActive(); err == nil {
		incidentUUID = o.UUID
	} else {
		incidentUUID = uuid.New()
	}

	if err := verdict.Respond(w.ring, sessionID, v, incidentUUID); err != nil {
		slog.Error("worker: failed to send verdict", "session_id", sessionID, "verdict", v.Kind, "is_header", isHeader, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordVerdict(v.Kind.String())
	}
}

// dispatch implements steps f-i: I3/I4 enforcement, chunk-codec
// parsing, opaque creation/activation, the HttpManager call, and
// is_header derivation.
func (w *Worker) dispatch(ctx context.Context, dataType codec.ChunkType, sessionID codec.SessionID, buf *buffer.Buffer) (verdict.Verdict, bool, error) {
	switch dataType {
	case codec.RequestStart:
		v, err := w.handleRequestStart(ctx, sessionID, buf)
		return v, false, err
	case codec.RequestHeader:
		v, err := w.handleHeaders(ctx, dataType, sessionID, buf, true)
		return v, true, err
	case codec.ResponseHeader:
		v, err := w.handleHeaders(ctx, dataType, sessionID, buf, false)
		return v, true, err
	case codec.RequestBody:
		v, err := w.handleBody(ctx, dataType, sessionID, buf, true)
		return v, false, err
	case codec.ResponseBody:
		v, err := w.handleBody(ctx, dataType, sessionID, buf, false)
		return v, false, err
	case codec.RequestEnd:
		v, err := w.handleRequestEnd(ctx, sessionID)
		return v, false, err
	case codec.ResponseCode:
		v, err := w.handleResponseCode(ctx, sessionID, buf)
		return v, false, err
	case codec.ContentLength:
		v, err := w.handleContentLength(sessionID, buf)
		return v, true, err
	case codec.HoldData:
		v, err := w.handleHoldData(ctx, sessionID)
		return v, false, err
	default:
		return verdict.Verdict{}, false, fmt.Errorf("worker: unhandled chunk type %s", dataType)
	}
}

func (w *Worker) handleRequestStart(ctx context.Context, sessionID codec.SessionID, buf *buffer.Buffer) (verdict.Verdict, error) {
	if buf.Len() == 0 {
		return w.defaultVerdict(), nil
	}
	md, err := codec.ParseTransactionMetadata(buf)
	if err != nil {
		return verdict.Verdict{}, err
	}

	o := w.sessions.RecreateEntry(sessionID, session.RequestEndTTL) // I4
	o.Metadata = md
	if err := w.sessions.SetActiveKey(sessionID); err != nil {
		return verdict.Verdict{}, err
	}

	return w.manager.Inspect(ctx, httpmanager.InspectRequest{
		SessionID:        sessionID,
		ChunkType:        codec.RequestStart,
		IsRequest:        true,
		Metadata:         &md,
		SourceIdentifier: o.SourceIdentifier,
		TenantID:         o.TenantID,
		ProfileID:        o.ProfileID,
	})
}

func (w *Worker) handleHeaders(ctx context.Context, dataType codec.ChunkType, sessionID codec.SessionID, buf *buffer.Buffer, isRequest bool) (verdict.Verdict, error) {
	var headers []codec.HTTPHeader
	var err error
	if isRequest {
		headers, err = codec.ParseRequestHeaders(buf)
	} else {
		headers, err = codec.ParseResponseHeaders(buf)
	}
	if err != nil {
		return verdict.Verdict{}, err
	}

	if err := w.sessions.SetActiveKey(sessionID); err != nil {
		return verdict.Verdict{}, err
	}
	o, err := w.sessions.StateOfActive()
	if err != nil {
		return verdict.Verdict{}, err
	}

	for _, h := range headers {
		key := h.Key.String()
		value := h.Value.String()
		if isRequest {
			o.AddToSavedData(session.SavedReqHeaders, key+": "+value+"\r\n")
			w.resolver.ProcessRequestHeader(o, key, value)
			if w.cfg.TenantHeaderKey != "" && strings.EqualFold(key, w.cfg.TenantHeaderKey) {
				applyTenantHeader(o, value)
			}
		}
	}

	if !isRequest {
		if enc, err := codec.ParseContentEncoding(headers); err == nil {
			o.Metadata.ResponseContentEncoding = enc
		}
		if w.metrics != nil {
			w.metrics.ResponseInspectedTotal.Inc()
		}
	}

	return w.manager.Inspect(ctx, httpmanager.InspectRequest{
		SessionID:        sessionID,
		ChunkType:        dataType,
		IsRequest:        isRequest,
		Headers:          headers,
		SourceIdentifier: o.SourceIdentifier,
		TenantID:         o.TenantID,
		ProfileID:        o.ProfileID,
	})
}

// applyTenantHeader implements the tenant/profile parsing rule (§3):
// "two comma-separated strings, second defaults to empty".
func applyTenantHeader(o *session.Opaque, value string) {
	parts := strings.SplitN(value, ",", 2)
	o.TenantID = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		o.ProfileID = strings.TrimSpace(parts[1])
	}
}

func (w *Worker) handleBody(ctx context.Context, dataType codec.ChunkType, sessionID codec.SessionID, buf *buffer.Buffer, isRequest bool) (verdict.Verdict, error) {
	if err := w.sessions.SetActiveKey(sessionID); err != nil {
		return verdict.Verdict{}, err
	}
	o, err := w.sessions.StateOfActive()
	if err != nil {
		return verdict.Verdict{}, err
	}

	var body codec.HTTPBody
	if isRequest {
		body, err = codec.ParseRequestBody(buf)
	} else {
		compressed := o.ResponseDecoder != nil
		if o.ResponseDecoder == nil && o.Metadata.ResponseContentEncoding != codec.EncodingNone {
			o.ResponseDecoder = compression.NewDecoder(codec.ToCompressionType(o.Metadata.ResponseContentEncoding))
			compressed = true
		}
		body, err = codec.ParseResponseBody(buf, o.ResponseDecoder)
		if compressed && w.metrics != nil {
			w.metrics.RecordCompression("response", err == nil)
		}
	}
	if err != nil {
		return verdict.Verdict{}, err
	}

	if isRequest {
		o.SetSavedData(session.SavedReqBody, body.Data.String())
	} else {
		if w.metrics != nil {
			w.metrics.ResponseInspectedTotal.Inc()
		}
		if body.IsLast && o.ResponseDecoder != nil {
			o.ResponseDecoder.Close()
			o.ResponseDecoder = nil
		}
	}

	return w.manager.Inspect(ctx, httpmanager.InspectRequest{
		SessionID:        sessionID,
		ChunkType:        dataType,
		IsRequest:        isRequest,
		Body:             &body,
		SourceIdentifier: o.SourceIdentifier,
		TenantID:         o.TenantID,
		ProfileID:        o.ProfileID,
	})
}

func (w *Worker) handleRequestEnd(ctx context.Context, sessionID codec.SessionID) (verdict.Verdict, error) {
	if err := w.sessions.SetActiveKey(sessionID); err != nil {
		return verdict.Verdict{}, err
	}
	if err := w.sessions.SetExpiration(session.RequestEndTTL); err != nil {
		return verdict.Verdict{}, err
	}
	o, err := w.sessions.StateOfActive()
	if err != nil {
		return verdict.Verdict{}, err
	}
	return w.manager.Inspect(ctx, httpmanager.InspectRequest{
		SessionID:        sessionID,
		ChunkType:        codec.RequestEnd,
		IsRequest:        true,
		SourceIdentifier: o.SourceIdentifier,
		TenantID:         o.TenantID,
		ProfileID:        o.ProfileID,
	})
}

func (w *Worker) handleResponseCode(ctx context.Context, sessionID codec.SessionID, buf *buffer.Buffer) (verdict.Verdict, error) {
	code, err := codec.ParseResponseCode(buf)
	if err != nil {
		return verdict.Verdict{}, err
	}
	if err := w.sessions.SetActiveKey(sessionID); err != nil {
		return verdict.Verdict{}, err
	}
	if err := w.sessions.SetExpiration(session.ResponseCodeTTL); err != nil {
		return verdict.Verdict{}, err
	}
	o, err := w.sessions.StateOfActive()
	if err != nil {
		return verdict.Verdict{}, err
	}
	return w.manager.Inspect(ctx, httpmanager.InspectRequest{
		SessionID:        sessionID,
		ChunkType:        codec.ResponseCode,
		IsRequest:        false,
		ResponseCode:     &code,
		SourceIdentifier: o.SourceIdentifier,
		TenantID:         o.TenantID,
		ProfileID:        o.ProfileID,
	})
}

// handleContentLength synthesizes an Inject verdict replacing the
// outgoing Content-Length header, bypassing HttpManager entirely: the
// agent itself owns this rewrite so the policy layer never has to
// reconcile a content-length changed by its own injected modifications
// (§4.7).
func (w *Worker) handleContentLength(sessionID codec.SessionID, buf *buffer.Buffer) (verdict.Verdict, error) {
	length, err := codec.ParseContentLength(buf)
	if err != nil {
		return verdict.Verdict{}, err
	}
	if err := w.sessions.SetActiveKey(sessionID); err != nil {
		return verdict.Verdict{}, err
	}
	mod := verdict.Modification{
		OriginalBufferIndex: 0,
		InjectionPos:        verdict.IrrelevantPos,
		Type:                verdict.Replace,
		IsHeader:            true,
		Payload:             []byte(strconv.FormatUint(length, 10)),
	}
	return verdict.NewInject([]verdict.Modification{mod}), nil
}

func (w *Worker) handleHoldData(ctx context.Context, sessionID codec.SessionID) (verdict.Verdict, error) {
	if err := w.sessions.SetActiveKey(sessionID); err != nil {
		return verdict.Verdict{}, err
	}
	o, err := w.sessions.StateOfActive()
	if err != nil {
		return verdict.Verdict{}, err
	}
	return w.manager.InspectDelayedVerdict(ctx, httpmanager.InspectRequest{
		SessionID:        sessionID,
		ChunkType:        codec.HoldData,
		SourceIdentifier: o.SourceIdentifier,
		TenantID:         o.TenantID,
		ProfileID:        o.ProfileID,
	})
}
