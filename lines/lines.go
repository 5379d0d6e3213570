// Package lines turns raw chunks read off the relay channel back into text
// lines.
package lines

import (
	"bytes"
	"iter"
	"slices"

	"github.com/sirupsen/logrus"
)

// MaxLine bounds the partial line carried between chunks. A line that grows
// past it is dropped up to its terminator.
const MaxLine = 64 << 10

// Reassembler carries a partial trailing line from one chunk to the next.
// The zero value is ready to use.
type Reassembler struct {
	partial []byte
	// afterCR is set when the last terminator was '\r', so a '\n' right
	// after it closes the same CRLF line rather than an empty one.
	afterCR bool
	// overlong discards the rest of a line that outgrew MaxLine.
	overlong bool
}

// Feed consumes chunk and returns the lines it completes, in order and
// without their terminators. '\n', '\r' and "\r\n" each end a line. Bytes
// after the last terminator are kept until a later chunk finishes the line.
func (r *Reassembler) Feed(chunk []byte) iter.Seq[string] {
	var out []string
	for len(chunk) > 0 {
		if r.afterCR && chunk[0] == '\n' {
			chunk = chunk[1:]
		}
		r.afterCR = false

		i := bytes.IndexAny(chunk, "\r\n")
		if i < 0 {
			r.carry(chunk)
			break
		}

		if r.overlong {
			r.overlong = false
		} else {
			line := string(r.partial) + string(chunk[:i])
			r.partial = r.partial[:0]
			out = append(out, line)
		}
		r.afterCR = chunk[i] == '\r'
		chunk = chunk[i+1:]
	}

	return slices.Values(out)
}

func (r *Reassembler) carry(b []byte) {
	if r.overlong || len(b) == 0 {
		return
	}
	if len(r.partial)+len(b) > MaxLine {
		logrus.Debug("Dropping line longer than ", MaxLine, " bytes")
		r.partial = r.partial[:0]
		r.overlong = true
		return
	}
	r.partial = append(r.partial, b...)
}

// Flush returns the pending partial line, if any, and resets the buffer.
func (r *Reassembler) Flush() (string, bool) {
	r.afterCR = false
	if r.overlong {
		r.overlong = false
		return "", false
	}
	if len(r.partial) == 0 {
		return "", false
	}
	line := string(r.partial)
	r.partial = r.partial[:0]
	return line, true
}

// Pending is the number of buffered bytes not yet terminated.
func (r *Reassembler) Pending() int { return len(r.partial) }
