package verdict

import (
	"bytes"
)

// Comparator checks program output against the expected answer.
type Comparator struct {
	strict bool
}

// NewComparator creates a comparator. Strict mode compares line by line and
// only forgives trailing whitespace; lenient mode compares whitespace
// separated tokens.
func NewComparator(strict bool) *Comparator {
	return &Comparator{strict: strict}
}

// Equal reports whether got matches want.
func (c *Comparator) Equal(got, want []byte) bool {
	if c.strict {
		return equalLines(normalize(got), normalize(want))
	}
	gotFields := bytes.Fields(got)
	wantFields := bytes.Fields(want)
	if len(gotFields) != len(wantFields) {
		return false
	}
	for i := range gotFields {
		if !bytes.Equal(gotFields[i], wantFields[i]) {
			return false
		}
	}
	return true
}

func normalize(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}

func equalLines(got, want []byte) bool {
	gotLines := trimmedLines(got)
	wantLines := trimmedLines(want)
	if len(gotLines) != len(wantLines) {
		return false
	}
	for i := range gotLines {
		if !bytes.Equal(gotLines[i], wantLines[i]) {
			return false
		}
	}
	return true
}

// trimmedLines splits on newlines, strips trailing spaces and tabs from each
// line and drops trailing empty lines.
func trimmedLines(b []byte) [][]byte {
	lines := bytes.Split(b, []byte("\n"))
	for i := range lines {
		lines[i] = bytes.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
