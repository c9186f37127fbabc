package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DefaultMaxLineLength bounds a single frame in bytes, terminator excluded.
const DefaultMaxLineLength = 4096

// ErrLineTooLong is returned for a line that exceeds the decoder limit.
// The offending line is consumed, so the next ReadLine starts clean.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// Decoder reads newline-delimited frames from a stream. Frames that
// arrive coalesced in one segment, or split across several, come out
// one per call.
type Decoder struct {
	r   *bufio.Reader
	max int
}

// NewDecoder wraps r. max <= 0 selects DefaultMaxLineLength.
func NewDecoder(r io.Reader, max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	return &Decoder{r: bufio.NewReaderSize(r, 4096), max: max}
}

// ReadLine returns the next line with its "\n" or "\r\n" stripped. A final
// unterminated line before EOF is returned as a normal line, subject to the
// same length limit.
func (d *Decoder) ReadLine() (string, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > d.max+2 {
				tooLong = true
				buf = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || (len(buf) == 0 && !tooLong)) {
			return "", err
		}
		break
	}

	if tooLong {
		return "", ErrLineTooLong
	}
	line := clean(buf)
	if len(line) > d.max {
		return "", ErrLineTooLong
	}
	return line, nil
}

func clean(b []byte) string {
	s := strings.TrimRight(string(b), "\r\n")
	return strings.ToValidUTF8(s, "�")
}

// WriteLine writes frame followed by a newline.
func WriteLine(w io.Writer, frame string) error {
	_, err := io.WriteString(w, frame+"\n")
	return err
}
