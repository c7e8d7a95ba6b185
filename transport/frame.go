package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame kinds exchanged over the socket.
const (
	frameRequest  uint8 = 1
	frameResponse uint8 = 2
)

var errBadFrame = errors.New("transport: malformed frame")

// frame is the socket-level unit: either an inbound/outbound request or a
// response correlated by id.
type frame struct {
	kind    uint8
	id      string
	verb    string
	path    string
	body    []byte
	status  uint32
	message string
}

func (f *frame) marshal() []byte {
	buf := []byte{f.kind}
	buf = appendString(buf, f.id)
	switch f.kind {
	case frameRequest:
		buf = appendString(buf, f.verb)
		buf = appendString(buf, f.path)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.body)))
		buf = append(buf, f.body...)
	case frameResponse:
		buf = binary.BigEndian.AppendUint32(buf, f.status)
		buf = appendString(buf, f.message)
	}
	return buf
}

func parseFrame(data []byte) (*frame, error) {
	f := &frame{}
	if len(data) < 1 {
		return nil, errBadFrame
	}
	f.kind = data[0]
	rest := data[1:]

	var err error
	if f.id, rest, err = takeString(rest); err != nil {
		return nil, err
	}

	switch f.kind {
	case frameRequest:
		if f.verb, rest, err = takeString(rest); err != nil {
			return nil, err
		}
		if f.path, rest, err = takeString(rest); err != nil {
			return nil, err
		}
		if len(rest) < 4 {
			return nil, errBadFrame
		}
		n := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < n {
			return nil, errBadFrame
		}
		f.body = append([]byte(nil), rest[:n]...)
	case frameResponse:
		if len(rest) < 4 {
			return nil, errBadFrame
		}
		f.status = binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if f.message, _, err = takeString(rest); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", errBadFrame, f.kind)
	}
	return f, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func takeString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, errBadFrame
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return "", nil, errBadFrame
	}
	return string(data[:n]), data[n:], nil
}
