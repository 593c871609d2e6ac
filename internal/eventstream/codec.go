// Package eventstream parses the AWS-style binary event-stream framing used
// by the CodeWhisperer/Kiro streaming endpoints into typed internal events.
//
// Frame shape: a 12-byte prelude (total length, headers length, prelude
// checksum — the checksum is not validated), a headers region, a UTF-8 JSON
// payload, and a trailing 4-byte message checksum (also not validated).
package eventstream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	preludeLen  = 12
	trailingLen = 4
	minFrameLen = preludeLen + trailingLen
)

// Header is a single string-valued event-stream header.
type Header struct {
	Name  string
	Value string
}

// Message is one decoded event-stream frame.
type Message struct {
	Headers []Header
	Payload []byte
}

// Header looks up the first header with the given name.
func (m Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// EventType returns the value of the ":event-type" header, if present.
func (m Message) EventType() string {
	v, _ := m.Header(":event-type")
	return v
}

// ErrNeedMore indicates the buffer does not yet hold a complete frame.
var ErrNeedMore = fmt.Errorf("eventstream: need more data")

// ParseOne decodes a single frame starting at the beginning of buf. It
// returns the decoded message and the number of bytes consumed. If buf does
// not contain a complete frame it returns ErrNeedMore and consumed=0.
func ParseOne(buf []byte) (msg Message, consumed int, err error) {
	if len(buf) < minFrameLen {
		return Message{}, 0, ErrNeedMore
	}
	totalLen := binary.BigEndian.Uint32(buf[0:4])
	headersLen := binary.BigEndian.Uint32(buf[4:8])
	// prelude checksum at buf[8:12] is intentionally not validated.

	if totalLen < minFrameLen || uint64(totalLen) > uint64(len(buf)) {
		if uint64(totalLen) > uint64(len(buf)) {
			return Message{}, 0, ErrNeedMore
		}
		return Message{}, 0, fmt.Errorf("eventstream: malformed frame: total length %d", totalLen)
	}
	if uint64(preludeLen)+uint64(headersLen)+trailingLen > uint64(totalLen) {
		return Message{}, 0, fmt.Errorf("eventstream: malformed frame: headers length %d exceeds total %d", headersLen, totalLen)
	}

	headersStart := preludeLen
	headersEnd := headersStart + int(headersLen)
	payloadEnd := int(totalLen) - trailingLen
	// trailing message checksum at buf[payloadEnd:totalLen] is intentionally not validated.

	headers, err := parseHeaders(buf[headersStart:headersEnd])
	if err != nil {
		return Message{}, 0, err
	}

	payload := buf[headersEnd:payloadEnd]
	return Message{Headers: headers, Payload: payload}, int(totalLen), nil
}

func parseHeaders(buf []byte) ([]Header, error) {
	var headers []Header
	for len(buf) > 0 {
		if len(buf) < 1 {
			return nil, fmt.Errorf("eventstream: malformed header: truncated name length")
		}
		nameLen := int(buf[0])
		buf = buf[1:]
		if len(buf) < nameLen+1 {
			return nil, fmt.Errorf("eventstream: malformed header: truncated name/type")
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]
		valueType := buf[0]
		buf = buf[1:]
		if valueType != 7 { // only string-typed header values are recognized
			return nil, fmt.Errorf("eventstream: unsupported header value type %d for %q", valueType, name)
		}
		if len(buf) < 2 {
			return nil, fmt.Errorf("eventstream: malformed header: truncated value length")
		}
		valueLen := int(binary.BigEndian.Uint16(buf[:2]))
		buf = buf[2:]
		if len(buf) < valueLen {
			return nil, fmt.Errorf("eventstream: malformed header: truncated value")
		}
		value := string(buf[:valueLen])
		buf = buf[valueLen:]
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

// Decoder accumulates bytes across reads and yields complete frames,
// holding back any trailing partial frame for the next Feed call.
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes and returns every complete frame now
// available. A malformed frame is a fatal error for the remainder of the
// stream — the caller should stop reading on error.
func (d *Decoder) Feed(chunk []byte) ([]Message, error) {
	d.buf = append(d.buf, chunk...)
	var out []Message
	for {
		msg, n, err := ParseOne(d.buf)
		if err == ErrNeedMore {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
		d.buf = d.buf[n:]
	}
	return out, nil
}

// DecodeJSON is a convenience helper for reading a message's JSON payload
// into dst. Missing/invalid JSON is the caller's concern to guard against.
func DecodeJSON(msg Message, dst any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("eventstream: empty payload")
	}
	return json.Unmarshal(msg.Payload, dst)
}
