package process

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/tidwall/gjson"
)

// Framer reassembles JSON values written one or more lines at a time.
//
// Each pushed line is appended to a pending buffer without a separator. As
// soon as the buffer holds exactly one valid JSON value it is returned and
// the buffer starts over. A Framer is not safe for concurrent use.
type Framer struct {
	buf   []byte
	limit int
}

// NewFramer returns a Framer. A positive limit caps the pending buffer in
// bytes; zero or less means unbounded.
func NewFramer(limit int) *Framer {
	return &Framer{limit: limit}
}

// Push appends one line and returns the completed value, if any.
//
// The trailing line terminator ("\n" or "\r\n") is ignored. A nil message
// with a nil error means more input is needed. When the buffer grows past
// the limit it is discarded and ErrFrameTooLarge is returned.
func (f *Framer) Push(line []byte) (json.RawMessage, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	f.buf = append(f.buf, line...)

	if gjson.ValidBytes(f.buf) {
		msg := make(json.RawMessage, len(f.buf))
		copy(msg, f.buf)
		f.buf = f.buf[:0]
		return msg, nil
	}

	if f.limit > 0 && len(f.buf) > f.limit {
		f.buf = f.buf[:0]
		return nil, ErrFrameTooLarge
	}
	return nil, nil
}

// Pending returns the number of buffered bytes awaiting completion.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards any buffered partial input.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// readLines calls fn for every line read from r, including a final line
// without a terminator. It returns nil at EOF.
//
// A non-nil exceeds is consulted while a line accumulates with its length so
// far, terminator excluded. Once it reports true the rest of that line is
// skipped and fn is called once with overflow set and a nil line. fn must not
// retain line.
func readLines(r io.Reader, exceeds func(n int) bool, fn func(line []byte, overflow bool)) error {
	br := bufio.NewReader(r)

	var (
		line     []byte
		skipping bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !skipping && len(chunk) > 0 {
			line = append(line, chunk...)
			if exceeds != nil && exceeds(len(bytes.TrimRight(line, "\r\n"))) {
				line = line[:0]
				skipping = true
				fn(nil, true)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if !skipping && len(line) > 0 {
			fn(line, false)
		}
		line = line[:0]
		skipping = false

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
