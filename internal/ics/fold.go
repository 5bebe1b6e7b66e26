package ics

import (
	"bytes"
	"io"
	"unicode/utf8"
)

// maxLineOctets is the content line limit before folding, excluding CRLF.
const maxLineOctets = 75

// foldWriter folds content lines longer than 75 octets. Continuation lines
// start with a single space. Lines are only split on rune boundaries.
type foldWriter struct {
	w   io.Writer
	buf []byte
}

func (fw *foldWriter) Write(p []byte) (int, error) {
	fw.buf = append(fw.buf, p...)
	for {
		i := bytes.Index(fw.buf, []byte("\r\n"))
		if i < 0 {
			return len(p), nil
		}
		if err := fw.writeLine(fw.buf[:i]); err != nil {
			return 0, err
		}
		fw.buf = fw.buf[i+2:]
	}
}

// Flush writes any trailing bytes not terminated by CRLF.
func (fw *foldWriter) Flush() error {
	if len(fw.buf) == 0 {
		return nil
	}
	_, err := fw.w.Write(fw.buf)
	fw.buf = nil
	return err
}

func (fw *foldWriter) writeLine(line []byte) error {
	var out bytes.Buffer
	limit := maxLineOctets
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		out.Write(line[:cut])
		out.WriteString("\r\n ")
		line = line[cut:]
		// The leading space counts toward the limit.
		limit = maxLineOctets - 1
	}
	out.Write(line)
	out.WriteString("\r\n")
	_, err := fw.w.Write(out.Bytes())
	return err
}
