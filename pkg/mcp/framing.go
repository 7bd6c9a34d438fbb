package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxFrameSize caps one framed message. A declared Content-Length above the
// cap, or a newline-delimited line that accumulates past it, is a fatal
// transport error: the stream can no longer be trusted to re-synchronize.
const maxFrameSize = 8 << 20

var errFrameTooLarge = errors.New("frame exceeds maximum size")

const contentLengthPrefix = "Content-Length:"

// frameDecoder extracts JSON-RPC messages from a byte stream. Both stdio
// framings are supported and detected per message: one JSON value per
// newline, or Content-Length header framing
// ("Content-Length: N\r\n\r\n<json>"). Partial frames split across reads are
// accumulated until complete.
type frameDecoder struct {
	r *bufio.Reader
}

func newFrameDecoder(r io.Reader) *frameDecoder {
	return &frameDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the payload of the next frame. It blocks until a full frame
// is available, the stream ends (io.EOF), or the frame violates the size cap
// (errFrameTooLarge).
func (d *frameDecoder) Next() ([]byte, error) {
	for {
		line, err := d.readLine()
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if err != nil {
				return nil, err
			}
			continue // blank line between frames
		}

		if isContentLengthLine(trimmed) {
			if err != nil {
				return nil, fmt.Errorf("truncated header frame: %w", err)
			}
			return d.readHeaderFramed(trimmed)
		}

		// Newline-delimited JSON value.
		if err != nil && err != io.EOF {
			return nil, err
		}
		return trimmed, nil
	}
}

// isContentLengthLine matches the header name case-insensitively; servers
// are not consistent about capitalization.
func isContentLengthLine(line []byte) bool {
	return len(line) >= len(contentLengthPrefix) &&
		bytes.EqualFold(line[:len(contentLengthPrefix)], []byte(contentLengthPrefix))
}

// readHeaderFramed consumes the remaining headers and the length-prefixed
// body, given the already-read Content-Length line.
func (d *frameDecoder) readHeaderFramed(lengthLine []byte) ([]byte, error) {
	sizeText := bytes.TrimSpace(lengthLine[len(contentLengthPrefix):])
	size, err := strconv.Atoi(string(sizeText))
	if err != nil || size < 0 {
		return nil, fmt.Errorf("malformed Content-Length header %q", lengthLine)
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", errFrameTooLarge, size)
	}

	// Skip any further headers up to the blank separator line.
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, fmt.Errorf("truncated header frame: %w", err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			break
		}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}
	return body, nil
}

// readLine reads up to and including the next '\n', enforcing the frame cap
// so an unterminated line cannot grow the buffer without bound.
func (d *frameDecoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, errFrameTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

// encodeFrame serializes an outgoing message using newline framing, which
// every stdio MCP server accepts regardless of which framing it emits.
func encodeFrame(data []byte) []byte {
	return append(data, '\n')
}
