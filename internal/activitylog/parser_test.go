package activitylog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/model"
)

func TestParseMatchesDataLines(t *testing.T) {
	log := strings.Join([]string{
		"=== session start ===",
		"[2026-01-02 03:04:05 UTC] [SSH] [STDIN] ls",
		"[2026-01-02 03:04:06 UTC] [SSH] [STDIN] pwd",
		"[2026-01-02 03:04:07 UTC] [SSHD] [CONNECT] client authenticated",
		"[2026-01-02 03:04:08 UTC] [SSH] [STDIN] exit",
		"garbage line with no brackets",
	}, "\n")

	lines, err := Parse(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, model.Stdin, lines[0].Stream)
	require.Equal(t, "ls", lines[0].Content)
	require.Equal(t, "pwd", lines[1].Content)
	require.Equal(t, "exit", lines[2].Content)
}

func TestParseIgnoresMalformedTimestamps(t *testing.T) {
	log := "[not-a-timestamp] [SSH] [STDIN] ls\n"
	lines, err := Parse(strings.NewReader(log))
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestParseAllThreeStreams(t *testing.T) {
	log := strings.Join([]string{
		"[2026-01-02 03:04:05 UTC] [HTTP] [STDOUT] hello",
		"[2026-01-02 03:04:06 UTC] [HTTP] [STDERR] oops",
	}, "\n")
	lines, err := Parse(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, model.Stdout, lines[0].Stream)
	require.Equal(t, model.Stderr, lines[1].Stream)
}
