// Package activitylog parses the unified, tagged container activity log
// into per-stream data lines with timestamps. The log is the sole source
// of STDIN/STDOUT/STDERR reconstruction, so the line grammar here must
// stay in lockstep with what the in-container wrappers emit.
package activitylog

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/b0cal/miel/internal/model"
)

// timeLayout is "YYYY-MM-DD HH:MM:SS UTC".
const timeLayout = "2006-01-02 15:04:05 MST"

// Line is one successfully parsed activity-log line.
type Line struct {
	Time    time.Time
	Service string
	Stream  model.StdioStream
	Content string
}

// Parse reads r line by line and returns every matched data line. Lines
// not matching the grammar, including session-management tags like SSHD,
// SSH-SESSION, CONTAINER, HTTP-SERVER-INFO, and `=== ` headers, are
// silently skipped.
func Parse(r io.Reader) ([]Line, error) {
	var out []Line
	sc := bufio.NewScanner(r)
	// Activity log lines can carry arbitrary terminal output; grow the
	// scanner's buffer past the default 64KiB line limit.
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)

	for sc.Scan() {
		if l, ok := parseLine(sc.Text()); ok {
			out = append(out, l)
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// parseLine matches '[' TIMESTAMP ']' ' ' '[' SERVICE ']' ' ' '[' STREAM
// ']' ' ' CONTENT against line, returning ok=false for anything else,
// including "=== " headers.
func parseLine(line string) (Line, bool) {
	if strings.HasPrefix(line, "=== ") {
		return Line{}, false
	}
	if !strings.HasPrefix(line, "[") {
		return Line{}, false
	}

	rest := line
	ts, rest, ok := takeBracket(rest)
	if !ok {
		return Line{}, false
	}
	rest = strings.TrimPrefix(rest, " ")
	service, rest, ok := takeBracket(rest)
	if !ok {
		return Line{}, false
	}
	rest = strings.TrimPrefix(rest, " ")
	streamTag, rest, ok := takeBracket(rest)
	if !ok {
		return Line{}, false
	}
	content := strings.TrimPrefix(rest, " ")

	stream, ok := parseStream(streamTag)
	if !ok {
		return Line{}, false
	}

	t, err := time.Parse(timeLayout, ts)
	if err != nil {
		return Line{}, false
	}

	return Line{Time: t, Service: service, Stream: stream, Content: content}, true
}

func takeBracket(s string) (inner string, rest string, ok bool) {
	if len(s) == 0 || s[0] != '[' {
		return "", s, false
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", s, false
	}
	return s[1:end], s[end+1:], true
}

func parseStream(tag string) (model.StdioStream, bool) {
	switch tag {
	case "STDIN":
		return model.Stdin, true
	case "STDOUT":
		return model.Stdout, true
	case "STDERR":
		return model.Stderr, true
	default:
		return "", false
	}
}
