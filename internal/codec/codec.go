package codec

import (
	"fmt"

	"github.com/openappsec/openappsec-sub007/internal/buffer"
	"github.com/openappsec/openappsec-sub007/internal/compression"
)

// readString decodes a 16-bit little-endian length followed by that many
// raw bytes, starting at pos. It returns the decoded string and the
// position immediately after it.
func readString(buf *buffer.Buffer, pos int) (string, int, error) {
	length, err := buf.Uint16LEAt(pos)
	if err != nil {
		return "", 0, fmt.Errorf("codec: failed to read string length at %d: %w", pos, err)
	}
	pos += 2
	raw, err := buf.Range(pos, pos+int(length))
	if err != nil {
		return "", 0, fmt.Errorf("codec: string of length %d extends beyond buffer: %w", length, err)
	}
	return string(raw), pos + int(length), nil
}

func readPort(buf *buffer.Buffer, pos int) (uint16, int, error) {
	v, err := buf.Uint16LEAt(pos)
	if err != nil {
		return 0, 0, fmt.Errorf("codec: failed to read port at %d: %w", pos, err)
	}
	return v, pos + 2, nil
}

// ParseTransactionMetadata decodes the RequestStart payload (§3).
// parsed_host and parsed_uri are optional for backward compatibility:
// their absence must leave exactly one byte (the encoding tag) after
// client_port, otherwise the frame is rejected.
func ParseTransactionMetadata(buf *buffer.Buffer) (TransactionMetadata, error) {
	var md TransactionMetadata
	var pos int
	var err error

	if md.HTTPProto, pos, err = readString(buf, 0); err != nil {
		return md, fmt.Errorf("codec: transaction metadata http_proto: %w", err)
	}
	if md.Method, pos, err = readString(buf, pos); err != nil {
		return md, fmt.Errorf("codec: transaction metadata method: %w", err)
	}
	if md.Host, pos, err = readString(buf, pos); err != nil {
		return md, fmt.Errorf("codec: transaction metadata host: %w", err)
	}
	if md.ListeningIP, pos, err = readString(buf, pos); err != nil {
		return md, fmt.Errorf("codec: transaction metadata listening_ip: %w", err)
	}
	if md.ListeningPort, pos, err = readPort(buf, pos); err != nil {
		return md, fmt.Errorf("codec: transaction metadata listening_port: %w", err)
	}
	if md.URI, pos, err = readString(buf, pos); err != nil {
		return md, fmt.Errorf("codec: transaction metadata uri: %w", err)
	}
	if md.ClientIP, pos, err = readString(buf, pos); err != nil {
		return md, fmt.Errorf("codec: transaction metadata client_ip: %w", err)
	}
	if md.ClientPort, pos, err = readPort(buf, pos); err != nil {
		return md, fmt.Errorf("codec: transaction metadata client_port: %w", err)
	}

	remaining := buf.Len() - pos
	switch {
	case remaining == 1:
		// parsed_host/parsed_uri absent: older plugin.
	case remaining > 1:
		var host, uri string
		if host, pos, err = readString(buf, pos); err != nil {
			return md, fmt.Errorf("codec: transaction metadata parsed_host: %w", err)
		}
		if uri, pos, err = readString(buf, pos); err != nil {
			return md, fmt.Errorf("codec: transaction metadata parsed_uri: %w", err)
		}
		md.ParsedHost = &host
		md.ParsedURI = &uri
		if buf.Len()-pos != 1 {
			return md, fmt.Errorf("codec: transaction metadata: %d trailing bytes after parsed fields", buf.Len()-pos)
		}
	default:
		return md, fmt.Errorf("codec: transaction metadata: buffer exhausted before encoding tag")
	}

	tag, err := buf.Uint8At(pos)
	if err != nil {
		return md, fmt.Errorf("codec: transaction metadata response_content_encoding: %w", err)
	}
	switch ContentEncoding(tag) {
	case EncodingNone, EncodingGzip, EncodingZlib:
		md.ResponseContentEncoding = ContentEncoding(tag)
	default:
		return md, fmt.Errorf("codec: transaction metadata: unknown response_content_encoding tag %d", tag)
	}
	return md, nil
}

// ParseResponseCode decodes a ResponseCode chunk: at least 2 bytes,
// little-endian.
func ParseResponseCode(buf *buffer.Buffer) (uint16, error) {
	if buf.Len() < 2 {
		return 0, fmt.Errorf("codec: response code size %d is lower than uint16", buf.Len())
	}
	return buf.Uint16LEAt(0)
}

// ParseContentLength decodes a ContentLength chunk: at least 8 bytes,
// little-endian.
func ParseContentLength(buf *buffer.Buffer) (uint64, error) {
	if buf.Len() < 8 {
		return 0, fmt.Errorf("codec: content length size %d is lower than uint64", buf.Len())
	}
	return buf.Uint64LEAt(0)
}

// parseHeaderBulk implements the shared header-bulk format described in
// §3: is_last_header_bulk:u8, starting_index:u8, then
// (key_len:u16,key_bytes,value_len:u16,value_bytes) records filling the
// frame exactly.
func parseHeaderBulk(buf *buffer.Buffer) ([]HTTPHeader, error) {
	isLastTag, err := buf.Uint8At(0)
	if err != nil {
		return nil, fmt.Errorf("codec: header bulk: failed to read is_last_header_bulk: %w", err)
	}
	isLastBulk := isLastTag == 1

	startIndex, err := buf.Uint8At(1)
	if err != nil {
		return nil, fmt.Errorf("codec: header bulk: failed to read starting_index: %w", err)
	}

	var headers []HTTPHeader
	pos := 2
	index := int(startIndex)
	for pos < buf.Len() {
		keyLen, err := buf.Uint16LEAt(pos)
		if err != nil {
			return nil, fmt.Errorf("codec: header data extends beyond current buffer: %w", err)
		}
		pos += 2
		keyBuf, err := buf.Subbuffer(pos, pos+int(keyLen))
		if err != nil {
			return nil, fmt.Errorf("codec: header data extends beyond current buffer: %w", err)
		}
		pos += int(keyLen)

		valLen, err := buf.Uint16LEAt(pos)
		if err != nil {
			return nil, fmt.Errorf("codec: header data extends beyond current buffer: %w", err)
		}
		pos += 2
		valBuf, err := buf.Subbuffer(pos, pos+int(valLen))
		if err != nil {
			return nil, fmt.Errorf("codec: header data extends beyond current buffer: %w", err)
		}
		pos += int(valLen)

		headers = append(headers, HTTPHeader{
			Key:      keyBuf,
			Value:    valBuf,
			Index:    index,
			Terminal: pos >= buf.Len() && isLastBulk,
		})
		index++
	}
	return headers, nil
}

// ParseRequestHeaders parses a request header bulk.
func ParseRequestHeaders(buf *buffer.Buffer) ([]HTTPHeader, error) {
	headers, err := parseHeaderBulk(buf)
	if err != nil {
		return nil, fmt.Errorf("codec: parse request headers: %w", err)
	}
	return headers, nil
}

// ParseResponseHeaders parses a response header bulk.
func ParseResponseHeaders(buf *buffer.Buffer) ([]HTTPHeader, error) {
	headers, err := parseHeaderBulk(buf)
	if err != nil {
		return nil, fmt.Errorf("codec: parse response headers: %w", err)
	}
	return headers, nil
}

// parseBody implements the shared body-chunk format: is_last_part:u8,
// chunk_index:u8, raw_bytes…. A nil decoder leaves raw_bytes untouched;
// callers only pass a decoder when the session's current direction
// carries a non-identity encoding.
func parseBody(buf *buffer.Buffer, dec *compression.Decoder) (HTTPBody, error) {
	isLastTag, err := buf.Uint8At(0)
	if err != nil {
		return HTTPBody{}, fmt.Errorf("codec: body: failed to read is_last_part: %w", err)
	}
	chunkIndex, err := buf.Uint8At(1)
	if err != nil {
		return HTTPBody{}, fmt.Errorf("codec: body: failed to read chunk_index: %w", err)
	}
	raw, err := buf.Subbuffer(2, buf.Len())
	if err != nil {
		return HTTPBody{}, fmt.Errorf("codec: body: failed to slice raw_bytes: %w", err)
	}

	if dec == nil {
		return HTTPBody{Data: raw, IsLast: isLastTag == 1, ChunkIndex: chunkIndex}, nil
	}

	decoded, _, err := dec.Decompress(raw.Bytes(), isLastTag == 1)
	if err != nil {
		return HTTPBody{}, fmt.Errorf("codec: failed to parse HTTP body data: %w", err)
	}
	return HTTPBody{Data: buffer.New(decoded), IsLast: isLastTag == 1, ChunkIndex: chunkIndex}, nil
}

// ParseRequestBody parses a RequestBody chunk. Requests are never
// decompressed by this codec.
func ParseRequestBody(buf *buffer.Buffer) (HTTPBody, error) {
	body, err := parseBody(buf, nil)
	if err != nil {
		return HTTPBody{}, fmt.Errorf("codec: parse request body: %w", err)
	}
	return body, nil
}

// ParseResponseBody parses a ResponseBody chunk. dec may be nil when the
// response carries no compression; a non-nil dec decompresses raw_bytes
// before they are exposed to the policy layer.
func ParseResponseBody(buf *buffer.Buffer, dec *compression.Decoder) (HTTPBody, error) {
	body, err := parseBody(buf, dec)
	if err != nil {
		return HTTPBody{}, fmt.Errorf("codec: parse response body: %w", err)
	}
	return body, nil
}

var contentEncodingTokens = map[string]ContentEncoding{
	"identity": EncodingNone,
	"gzip":     EncodingGzip,
	"deflate":  EncodingZlib,
}

// contentEncodingHeaderKey matches the literal header name, byte for
// byte; this is intentionally case-sensitive, matching the source this
// codec was ported from.
var contentEncodingHeaderKey = buffer.NewStatic([]byte("Content-Encoding"))

// ParseContentEncoding walks headers for Content-Encoding. Absence
// means identity. Multiple comma-separated tokens or an unrecognized
// token are rejected.
func ParseContentEncoding(headers []HTTPHeader) (ContentEncoding, error) {
	for _, h := range headers {
		if !h.Key.Equal(contentEncodingHeaderKey) {
			continue
		}
		if h.Value.Contains(',') {
			return EncodingNone, fmt.Errorf("codec: multiple content encodings for a specific HTTP request/response body are not supported")
		}
		enc, ok := contentEncodingTokens[h.Value.String()]
		if !ok {
			return EncodingNone, fmt.Errorf("codec: unsupported or undefined Content-Encoding value %q", h.Value.String())
		}
		return enc, nil
	}
	return EncodingNone, nil
}

// ToCompressionType maps a wire ContentEncoding onto the general
// compression.Type used once a body is actually being streamed through
// an encoder/decoder.
func ToCompressionType(e ContentEncoding) compression.Type {
	switch e {
	case EncodingGzip:
		return compression.Gzip
	case EncodingZlib:
		return compression.Zlib
	default:
		return compression.None
	}
}
