package process

import (
	"bytes"
	"regexp"
	"sync"
)

// ansiRE matches ANSI escape sequences so the captured lines stay plain
// text regardless of what the child prints.
var ansiRE = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)

func stripANSI(s string) string { return ansiRE.ReplaceAllString(s, "") }

// lineWriter splits a byte stream into lines and feeds each complete
// line to sink. A trailing partial line is held until the next write or
// Flush. Both stdout and stderr of a child share one lineWriter, so
// writes are serialized.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	sink func(string)
}

func newLineWriter(sink func(string)) *lineWriter { return &lineWriter{sink: sink} }

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.sink(stripANSI(trimEOL(line)))
	}
	return len(p), nil
}

// Flush emits any buffered partial line. Called once after the child
// exits.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.sink(stripANSI(w.buf.String()))
		w.buf.Reset()
	}
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
