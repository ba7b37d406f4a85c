// Package protocol implements the newline-delimited JSON framing spoken
// between the controller and the worker process over stdio.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// recordSeparator terminates every message on the wire.
const recordSeparator = '\n'

// LineCodec accumulates an unbounded byte stream and yields complete records
// split on the newline separator. Partial trailing fragments are retained
// until the next chunk arrives, so feeding a message byte-by-byte produces
// the same records as feeding it whole.
//
// A LineCodec is not safe for concurrent use; the supervisor feeds it from a
// single read loop.
type LineCodec struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns all complete records
// now available, in arrival order. Empty records (bare separators) are
// skipped. The returned slices are copies and remain valid after the next
// Feed call.
func (c *LineCodec) Feed(chunk []byte) [][]byte {
	c.buf = append(c.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(c.buf, recordSeparator)
		if i < 0 {
			return records
		}
		line := bytes.TrimSpace(c.buf[:i])
		c.buf = c.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		records = append(records, rec)
	}
}

// Pending returns the number of buffered bytes awaiting a separator.
func (c *LineCodec) Pending() int {
	return len(c.buf)
}

// EncodeCommand marshals a command and appends the record separator.
func EncodeCommand(cmd domain.Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command %s: %w", cmd.Command, err)
	}
	return append(data, recordSeparator), nil
}

// DecodeResponse parses one complete record into a Response. A record that is
// not valid JSON or has no recognizable type is a protocol parse error; the
// caller logs and drops it without disturbing subsequent records.
func DecodeResponse(record []byte) (domain.Response, error) {
	var resp domain.Response
	if err := json.Unmarshal(record, &resp); err != nil {
		return domain.Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	switch resp.Type {
	case domain.ResponseTypeResponse, domain.ResponseTypeData,
		domain.ResponseTypeError, domain.ResponseTypeStatus:
		return resp, nil
	default:
		return domain.Response{}, fmt.Errorf("protocol: unknown response type %q", resp.Type)
	}
}
