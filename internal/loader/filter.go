package loader

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

// Filter decides whether a diagnostic line is forwarded. The line has no
// trailing newline. Returning false suppresses it.
type Filter func(line string) bool

// InitCompleteMarker ends the line the interpreter prints once it is up.
const InitCompleteMarker = "initialization complete"

// Capability probes that fail harmlessly on a host without a browser.
var probeWarnings = []*regexp.Regexp{
	regexp.MustCompile(`^warning: no blob constructor, cannot create blobs with mimetypes`),
	regexp.MustCompile(`^warning: browser does not support creating object URLs`),
}

// DefaultFilter suppresses the initialization marker, known probe warnings,
// and any line matching one of the extra regular expressions.
func DefaultFilter(extra []string) (Filter, error) {
	patterns := append([]*regexp.Regexp{}, probeWarnings...)
	for _, e := range extra {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("suppress pattern %q: %w", e, err)
		}
		patterns = append(patterns, re)
	}

	return func(line string) bool {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasSuffix(line, InitCompleteMarker) {
			return false
		}
		for _, re := range patterns {
			if re.MatchString(line) {
				return false
			}
		}
		return true
	}, nil
}

// LineFilter splits writes into lines and forwards the ones keep accepts,
// verbatim, to w. A trailing partial line waits for Flush.
type LineFilter struct {
	mu   sync.Mutex
	w    io.Writer
	keep Filter
	buf  []byte
}

// NewLineFilter returns a LineFilter. A nil keep forwards everything.
func NewLineFilter(w io.Writer, keep Filter) *LineFilter {
	return &LineFilter{w: w, keep: keep}
}

func (f *LineFilter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = append(f.buf, p...)
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i+1]
		if err := f.emit(line, line[:i]); err != nil {
			return 0, err
		}
		f.buf = f.buf[i+1:]
	}
	f.buf = append(f.buf[:0:0], f.buf...)
	return len(p), nil
}

// Flush forwards any buffered partial line.
func (f *LineFilter) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) == 0 {
		return nil
	}
	rest := f.buf
	f.buf = nil
	return f.emit(rest, rest)
}

func (f *LineFilter) emit(raw, text []byte) error {
	if f.keep != nil && !f.keep(string(text)) {
		return nil
	}
	_, err := f.w.Write(raw)
	return err
}
