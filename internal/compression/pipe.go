// Package compression implements the streaming encode/decode pipe used
// by response bodies: gzip, zlib (deflate), and brotli, with per-direction
// state held for the lifetime of one HTTP message body.
package compression

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
)

// Type identifies a compression codec.
type Type uint8

const (
	None Type = iota
	Gzip
	Zlib
	Brotli
)

func (t Type) String() string {
	switch t {
	case None:
		return "identity"
	case Gzip:
		return "gzip"
	case Zlib:
		return "deflate"
	case Brotli:
		return "br"
	default:
		return "unknown"
	}
}

// maxOutputBytes bounds the lifetime output of a single decode stream;
// exceeding it aborts the stream with an error (§4.3).
const maxOutputBytes = 256 * 1024 * 1024

// maxEmptyReadAttempts bounds the retry loop waiting for decompressed
// output to become available after a write (§4.3).
const maxEmptyReadAttempts = 3

// emptyReadWait is the pause between empty-read retries while draining
// the underlying decompressor.
const emptyReadWait = time.Millisecond

// ErrOutputTooLarge is returned when a decode stream's cumulative output
// exceeds the 256 MiB bound.
var ErrOutputTooLarge = errors.New("compression: decoded output exceeds 256MiB bound")

// Encoder streams compressed output for one direction of one message.
type Encoder struct {
	kind Type
	buf  *bytes.Buffer
	w    io.WriteCloser
}

// NewEncoder creates a streaming encoder for kind. Gzip uses the maximum
// window (equivalent to the C library's windowBits=31); zlib uses the
// standard window (windowBits=15); brotli uses the library default.
func NewEncoder(kind Type) (*Encoder, error) {
	e := &Encoder{kind: kind, buf: &bytes.Buffer{}}
	switch kind {
	case Gzip:
		e.w = gzip.NewWriter(e.buf)
	case Zlib:
		e.w = zlib.NewWriter(e.buf)
	case Brotli:
		e.w = brotli.NewWriter(e.buf)
	case None:
		e.w = nopWriteCloser{e.buf}
	default:
		return nil, fmt.Errorf("compression: unsupported encoder type %v", kind)
	}
	return e, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Compress writes chunk into the stream and returns the compressed bytes
// produced so far for this call. When isLast is true the stream is
// flushed and closed; Compress must not be called again afterward.
func (e *Encoder) Compress(chunk []byte, isLast bool) ([]byte, error) {
	if len(chunk) > 0 {
		if _, err := e.w.Write(chunk); err != nil {
			return nil, fmt.Errorf("compression: encode write: %w", err)
		}
	}
	if isLast {
		if err := e.w.Close(); err != nil {
			return nil, fmt.Errorf("compression: encode close: %w", err)
		}
	} else if flusher, ok := e.w.(flusher); ok {
		if err := flusher.Flush(); err != nil {
			return nil, fmt.Errorf("compression: encode flush: %w", err)
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	e.buf.Reset()
	return out, nil
}

type flusher interface{ Flush() error }

// Decoder streams decompressed output for one direction of one message.
type Decoder struct {
	kind       Type
	pw         *io.PipeWriter
	out        chan []byte
	errc       chan error
	done       bool
	total      int
	probe      []byte
	probed     bool
	pendingErr error
}

// NewDecoder creates a streaming decoder for a known kind.
func NewDecoder(kind Type) *Decoder {
	return &Decoder{kind: kind, probed: true}
}

// NewAutoDetectDecoder creates a decoder that probes up to 64 bytes of
// the first chunk to detect brotli, falling back to gzip/zlib
// header-based autodetection (§4.3).
func NewAutoDetectDecoder() *Decoder {
	return &Decoder{kind: None, probed: false}
}

func (d *Decoder) start(first []byte) {
	pr, pw := io.Pipe()
	d.pw = pw
	d.out = make(chan []byte, 16)
	d.errc = make(chan error, 1)

	kind := d.kind
	if !d.probed {
		kind = detect(first)
	}
	d.kind = kind

	go func() {
		defer close(d.out)
		var zr io.Reader
		var err error
		switch kind {
		case Gzip:
			zr, err = gzip.NewReader(pr)
		case Zlib:
			zr, err = zlib.NewReader(pr)
		case Brotli:
			zr = brotli.NewReader(pr)
		default:
			zr = pr
		}
		if err != nil {
			d.errc <- fmt.Errorf("compression: decode init: %w", err)
			io.Copy(io.Discard, pr)
			return
		}
		buf := make([]byte, 8192)
		for {
			n, rerr := zr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				d.out <- chunk
			}
			if rerr == io.EOF {
				return
			}
			if rerr != nil {
				d.errc <- fmt.Errorf("compression: decode read: %w", rerr)
				return
			}
		}
	}()
}

// detect inspects up to 64 bytes of the first chunk: brotli has no magic
// number, so a plausible-looking gzip/zlib header takes precedence and
// everything else is assumed to be brotli.
func detect(first []byte) Type {
	probe := first
	if len(probe) > 64 {
		probe = probe[:64]
	}
	if len(probe) >= 2 && probe[0] == 0x1f && probe[1] == 0x8b {
		return Gzip
	}
	if len(probe) >= 2 && probe[0]&0x0f == 0x08 && (uint16(probe[0])<<8|uint16(probe[1]))%31 == 0 {
		return Zlib
	}
	return Brotli
}

// Decompress feeds chunk into the stream and returns whatever
// decompressed bytes are available, plus whether the stream has reached
// its end. Decompress must be called with isLast=true exactly once, on
// the final chunk of the body.
func (d *Decoder) Decompress(chunk []byte, isLast bool) (out []byte, isLastChunk bool, err error) {
	if d.pendingErr != nil {
		return nil, false, d.pendingErr
	}
	if d.pw == nil {
		d.start(chunk)
	}

	writeErr := make(chan error, 1)
	go func() {
		if len(chunk) > 0 {
			if _, werr := d.pw.Write(chunk); werr != nil {
				writeErr <- werr
				return
			}
		}
		if isLast {
			d.pw.Close()
		}
		writeErr <- nil
	}()

	empty := 0
	closed := false
	written := false
	for empty < maxEmptyReadAttempts && !closed {
		select {
		case b, ok := <-d.out:
			if !ok {
				d.done = true
				closed = true
				break
			}
			out = append(out, b...)
			d.total += len(b)
			if d.total > maxOutputBytes {
				d.pendingErr = ErrOutputTooLarge
				return nil, false, ErrOutputTooLarge
			}
			empty = 0
		case werr := <-writeErr:
			if werr != nil {
				d.pendingErr = fmt.Errorf("compression: decode write: %w", werr)
				return nil, false, d.pendingErr
			}
			written = true
		case <-time.After(emptyReadWait):
			if written {
				empty++
			}
		}
	}

	select {
	case err = <-d.errc:
		d.pendingErr = err
		return out, false, err
	default:
	}
	return out, d.done, nil
}

// Close releases the decoder's resources; safe to call multiple times.
func (d *Decoder) Close() error {
	if d.pw != nil {
		d.pw.Close()
	}
	return nil
}
