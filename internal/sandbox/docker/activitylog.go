package docker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	imageTypes "github.com/docker/docker/api/types/image"
)

// activityLogHeader leads every log file; lines beginning with "=== "
// are skipped by the parser.
const activityLogHeader = "=== miel activity log ===\n"

// createActivityLogFile creates the unified activity log file. Mode
// 0o666 so the unprivileged in-container service can append to it
// through the bind mount.
func createActivityLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("docker: create activity log: %w", err)
	}
	defer f.Close()
	if err := os.Chmod(path, 0o666); err != nil {
		return fmt.Errorf("docker: chmod activity log: %w", err)
	}
	_, err = f.WriteString(activityLogHeader)
	return err
}

// appendTaggedLines copies lines from r into w in the informational
// (non-data) form of the activity-log grammar: the tag is placed in the
// STREAM position, e.g. "[TS] [DOCKER] [CONTAINER] line". CONTAINER is
// not one of STDIN/STDOUT/STDERR, so the parser skips these lines for
// byte-stream purposes; this is Docker's own container-level log
// passthrough, not the sandboxed service's stdio.
func appendTaggedLines(r io.Reader, w io.Writer, tag string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		ts := time.Now().UTC().Format("2006-01-02 15:04:05 MST")
		fmt.Fprintf(w, "[%s] [DOCKER] [%s] %s\n", ts, tag, line)
	}
}

func dockerImagePullOptions() imageTypes.PullOptions {
	return imageTypes.PullOptions{}
}
