// Package fsstore implements the filesystem persistence backend:
// sessions/<id>.session as "key: value" text, interactions/<id>.bin as
// an append-only blob, and artifacts/<id>/ holding the per-stream
// capture files. Writes are serialized under a mutex so concurrent
// sessions never interleave within a file.
package fsstore

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b0cal/miel/internal/model"
	"github.com/b0cal/miel/internal/persistence"
)

// Store is the filesystem-backed Persistence implementation.
type Store struct {
	root string

	mu sync.Mutex // serializes writes
}

// Open creates (if necessary) the directory layout under root and
// returns a ready Store.
func Open(root string) (*Store, error) {
	for _, sub := range []string{"sessions", "interactions", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("fsstore: mkdir %s: %w", sub, err)
		}
	}
	return &Store{root: root}, nil
}

// Close is a no-op; the filesystem backend holds no persistent handles.
func (s *Store) Close() error { return nil }

func (s *Store) sessionPath(id string) string     { return filepath.Join(s.root, "sessions", id+".session") }
func (s *Store) interactionPath(id string) string { return filepath.Join(s.root, "interactions", id+".bin") }
func (s *Store) artifactDir(id string) string     { return filepath.Join(s.root, "artifacts", id) }

// SaveSession writes a "key: value" text file, one session per file,
// overwriting any prior contents (upsert by id).
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", sess.ID.String())
	fmt.Fprintf(&b, "service_name: %s\n", sess.ServiceName)
	fmt.Fprintf(&b, "client_addr: %s\n", sess.ClientAddr)
	fmt.Fprintf(&b, "start_time: %s\n", sess.StartTime.UTC().Format(time.RFC3339))
	if sess.EndTime != nil {
		fmt.Fprintf(&b, "end_time: %s\n", sess.EndTime.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "end_time: \n")
	}
	fmt.Fprintf(&b, "container_id: %s\n", sess.ContainerID)
	fmt.Fprintf(&b, "bytes_transferred: %d\n", sess.BytesTransferred)
	fmt.Fprintf(&b, "status: %s\n", sess.Status)

	path := s.sessionPath(sess.ID.String())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("fsstore: write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("fsstore: rename session: %w", err)
	}
	return nil
}

func parseSessionFile(path string) (*model.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fields := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		fields[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("bad id %q: %w", fields["id"], err)
	}
	start, err := time.Parse(time.RFC3339, fields["start_time"])
	if err != nil {
		return nil, fmt.Errorf("bad start_time: %w", err)
	}
	var end *time.Time
	if v := fields["end_time"]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("bad end_time: %w", err)
		}
		end = &t
	}
	bytesTransferred, _ := strconv.ParseUint(fields["bytes_transferred"], 10, 64)

	return &model.Session{
		ID:               id,
		ServiceName:      fields["service_name"],
		ClientAddr:       fields["client_addr"],
		StartTime:        start,
		EndTime:          end,
		ContainerID:      fields["container_id"],
		BytesTransferred: bytesTransferred,
		Status:           model.SessionStatus(fields["status"]),
	}, nil
}

// GetSessions scans sessions/*.session and returns those matching filter.
func (s *Store) GetSessions(ctx context.Context, filter model.SessionFilter) ([]model.Session, error) {
	dir := filepath.Join(s.root, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fsstore: read sessions dir: %w", err)
	}

	var out []model.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".session") {
			continue
		}
		sess, err := parseSessionFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("fsstore: parse %s: %w", e.Name(), err)
		}
		if !matchesFilter(sess, filter) {
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

func matchesFilter(sess *model.Session, filter model.SessionFilter) bool {
	if filter.ServiceName != "" && sess.ServiceName != filter.ServiceName {
		return false
	}
	if filter.ClientAddrPfx != "" && !strings.HasPrefix(sess.ClientAddr, filter.ClientAddrPfx) {
		return false
	}
	if filter.Status != "" && sess.Status != filter.Status {
		return false
	}
	ref := sess.StartTime
	if sess.EndTime != nil {
		ref = *sess.EndTime
	}
	if filter.StartDate != nil && ref.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && ref.After(*filter.EndDate) {
		return false
	}
	return true
}

// SaveInteraction appends data to interactions/<id>.bin.
func (s *Store) SaveInteraction(ctx context.Context, id uuid.UUID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.interactionPath(id.String()), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fsstore: open interaction file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("fsstore: append interaction: %w", err)
	}
	return nil
}

// GetSessionData returns the full contents of interactions/<id>.bin.
func (s *Store) GetSessionData(ctx context.Context, id uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(s.interactionPath(id.String()))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read interaction file: %w", err)
	}
	return data, nil
}

// CleanupOldSessions removes the session file, interaction file, and
// artifact directory for every session older than cutoff.
func (s *Store) CleanupOldSessions(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := s.GetSessions(ctx, model.SessionFilter{})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, sess := range sessions {
		ref := sess.StartTime
		if sess.EndTime != nil {
			ref = *sess.EndTime
		}
		if !ref.Before(cutoff) {
			continue
		}
		id := sess.ID.String()
		_ = os.Remove(s.sessionPath(id))
		_ = os.Remove(s.interactionPath(id))
		_ = os.RemoveAll(s.artifactDir(id))
		removed++
	}
	return removed, nil
}

// SaveCaptureArtifacts writes artifacts/<id>/{tcp_c2s.bin, tcp_s2c.bin,
// stdio_{stdin,stdout,stderr}.bin, tcp_timestamps.csv,
// stdio_timestamps.csv, meta.txt}, overwriting any prior contents.
func (s *Store) SaveCaptureArtifacts(ctx context.Context, a *model.CaptureArtifacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.artifactDir(a.SessionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsstore: mkdir artifact dir: %w", err)
	}

	files := map[string][]byte{
		"tcp_c2s.bin":          a.TCPClientToContainer,
		"tcp_s2c.bin":          a.TCPContainerToClient,
		"stdio_stdin.bin":      a.StdioStdin,
		"stdio_stdout.bin":     a.StdioStdout,
		"stdio_stderr.bin":     a.StdioStderr,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("fsstore: write %s: %w", name, err)
		}
	}

	var tcpCSV strings.Builder
	for _, t := range a.TCPTimestamps {
		fmt.Fprintf(&tcpCSV, "%s,%s,%d\n", t.Time.UTC().Format(time.RFC3339Nano), t.Direction, t.Bytes)
	}
	if err := os.WriteFile(filepath.Join(dir, "tcp_timestamps.csv"), []byte(tcpCSV.String()), 0o644); err != nil {
		return fmt.Errorf("fsstore: write tcp_timestamps.csv: %w", err)
	}

	var stdioCSV strings.Builder
	for _, t := range a.StdioTimestamps {
		fmt.Fprintf(&stdioCSV, "%s,%s,%d\n", t.Time.UTC().Format(time.RFC3339Nano), t.Stream, t.Bytes)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdio_timestamps.csv"), []byte(stdioCSV.String()), 0o644); err != nil {
		return fmt.Errorf("fsstore: write stdio_timestamps.csv: %w", err)
	}

	var meta strings.Builder
	fmt.Fprintf(&meta, "session_id: %s\n", a.SessionID.String())
	fmt.Fprintf(&meta, "total_bytes: %d\n", a.TotalBytes)
	fmt.Fprintf(&meta, "duration_nanos: %d\n", a.Duration.Nanoseconds())
	if err := os.WriteFile(filepath.Join(dir, "meta.txt"), []byte(meta.String()), 0o644); err != nil {
		return fmt.Errorf("fsstore: write meta.txt: %w", err)
	}
	return nil
}

// GetCaptureArtifacts reads back the directory written by
// SaveCaptureArtifacts.
func (s *Store) GetCaptureArtifacts(ctx context.Context, id uuid.UUID) (*model.CaptureArtifacts, error) {
	dir := s.artifactDir(id.String())
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, persistence.ErrNotFound
	}

	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			return nil, nil
		}
		return data, err
	}

	c2s, err := read("tcp_c2s.bin")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}
	s2c, err := read("tcp_s2c.bin")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}
	stdin, err := read("stdio_stdin.bin")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}
	stdout, err := read("stdio_stdout.bin")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}
	stderr, err := read("stdio_stderr.bin")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}

	tcpTimestamps, err := readTCPTimestamps(filepath.Join(dir, "tcp_timestamps.csv"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}
	stdioTimestamps, err := readStdioTimestamps(filepath.Join(dir, "stdio_timestamps.csv"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}

	meta, err := readMeta(filepath.Join(dir, "meta.txt"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}

	return &model.CaptureArtifacts{
		SessionID:            id,
		TCPClientToContainer: c2s,
		TCPContainerToClient: s2c,
		StdioStdin:           stdin,
		StdioStdout:          stdout,
		StdioStderr:          stderr,
		TCPTimestamps:        tcpTimestamps,
		StdioTimestamps:      stdioTimestamps,
		TotalBytes:           meta.totalBytes,
		Duration:             time.Duration(meta.durationNanos),
	}, nil
}

func readTCPTimestamps(path string) ([]model.TCPTimestamp, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.TCPTimestamp
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), ",", 3)
		if len(parts) != 3 {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			continue
		}
		n, _ := strconv.Atoi(parts[2])
		out = append(out, model.TCPTimestamp{Time: t, Direction: model.Direction(parts[1]), Bytes: n})
	}
	return out, sc.Err()
}

func readStdioTimestamps(path string) ([]model.StdioTimestamp, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.StdioTimestamp
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), ",", 3)
		if len(parts) != 3 {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			continue
		}
		n, _ := strconv.Atoi(parts[2])
		out = append(out, model.StdioTimestamp{Time: t, Stream: model.StdioStream(parts[1]), Bytes: n})
	}
	return out, sc.Err()
}

type artifactMeta struct {
	totalBytes    uint64
	durationNanos int64
}

func readMeta(path string) (artifactMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return artifactMeta{}, err
	}
	defer f.Close()

	var m artifactMeta
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		switch key {
		case "total_bytes":
			v, _ := strconv.ParseUint(val, 10, 64)
			m.totalBytes = v
		case "duration_nanos":
			v, _ := strconv.ParseInt(val, 10, 64)
			m.durationNanos = v
		}
	}
	return m, sc.Err()
}

var _ persistence.Store = (*Store)(nil)
