// Package codec implements the pure parse functions for the chunk wire
// format exchanged between the shared-memory ring and the per-worker
// inspection loop: one function per chunk kind, each consuming a
// borrowed buffer.Buffer and returning a typed value or a descriptive
// error (§4.2).
package codec

import "github.com/openappsec/openappsec-sub007/internal/buffer"

// ChunkType tags the shape of a frame's payload.
type ChunkType uint8

const (
	RequestStart ChunkType = iota
	RequestHeader
	RequestBody
	RequestEnd
	ResponseCode
	ResponseHeader
	ResponseBody
	ResponseEnd
	ContentLength
	MetricFromPlugin
	HoldData
)

func (c ChunkType) String() string {
	switch c {
	case RequestStart:
		return "RequestStart"
	case RequestHeader:
		return "RequestHeader"
	case RequestBody:
		return "RequestBody"
	case RequestEnd:
		return "RequestEnd"
	case ResponseCode:
		return "ResponseCode"
	case ResponseHeader:
		return "ResponseHeader"
	case ResponseBody:
		return "ResponseBody"
	case ResponseEnd:
		return "ResponseEnd"
	case ContentLength:
		return "ContentLength"
	case MetricFromPlugin:
		return "MetricFromPlugin"
	case HoldData:
		return "HoldData"
	default:
		return "Unknown"
	}
}

// SessionID is the 32-bit session identifier assigned by the plugin.
// Zero is reserved to mean corrupted/unknown.
type SessionID uint32

// ContentEncoding is the response body encoding recognized on the wire.
// Brotli has no token in the Content-Encoding grammar this codec
// accepts (§3); compression.Type is the superset used once a body is
// actually being streamed through a decoder.
type ContentEncoding uint8

const (
	EncodingNone ContentEncoding = iota
	EncodingGzip
	EncodingZlib
)

func (e ContentEncoding) String() string {
	switch e {
	case EncodingNone:
		return "identity"
	case EncodingGzip:
		return "gzip"
	case EncodingZlib:
		return "deflate"
	default:
		return "unknown"
	}
}

// TransactionMetadata is the payload of a RequestStart chunk (§3).
type TransactionMetadata struct {
	HTTPProto               string
	Method                  string
	Host                    string
	ListeningIP             string
	ListeningPort           uint16
	URI                     string
	ClientIP                string
	ClientPort              uint16
	ParsedHost              *string
	ParsedURI               *string
	ResponseContentEncoding ContentEncoding
}

// HTTPHeader is one header exposed to the policy layer after a header
// bulk has been parsed. Index is the header's position in the whole
// message; Terminal marks the last header of the last bulk (§3).
type HTTPHeader struct {
	Key      buffer.Buffer
	Value    buffer.Buffer
	Index    int
	Terminal bool
}

// HTTPBody is one parsed body chunk, already decompressed if the
// session's direction carries a non-identity encoding.
type HTTPBody struct {
	Data       buffer.Buffer
	IsLast     bool
	ChunkIndex uint8
}
