package queue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record types stored on disk.
const (
	TypeUserMessage   = "user_message"
	TypeAgentResponse = "agent_response"
)

const (
	// DefaultPendingLimit bounds one ListPending batch.
	DefaultPendingLimit = 100
	// maxLogBytes is the size at which an outbound log gets trimmed.
	maxLogBytes = 10 * 1024 * 1024
	// trimKeepLines is how many trailing entries survive a trim.
	trimKeepLines = 100
)

var (
	// ErrEmptyContent is returned by Enqueue for a blank message body.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrMalformedRecord marks a stored record that failed to parse.
	ErrMalformedRecord = errors.New("malformed queue record")
)

// Message is one inbound user message, stored as a single JSON file
// under incoming/ named by its id.
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response is one outbound agent response, appended as a JSONL line to
// the originating session's outgoing log.
type Response struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes queue occupancy for the status endpoint.
type Stats struct {
	Pending           int   `json:"pending"`
	Processed         int   `json:"processed"`
	ActiveSessions    int   `json:"activeSessions"`
	OutgoingSizeBytes int64 `json:"outgoingSizeBytes"`
}

// Store is the file-backed message queue. Inbound messages are one file
// per message so the pending set survives restarts; outbound responses
// are append-only per-session logs. All state transitions are renames,
// which keeps concurrent readers safe without locking.
type Store struct {
	dir          string
	incomingDir  string
	outgoingDir  string
	processedDir string
}

// NewStore creates the queue directory layout rooted at dir.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:          dir,
		incomingDir:  filepath.Join(dir, "incoming"),
		outgoingDir:  filepath.Join(dir, "outgoing"),
		processedDir: filepath.Join(dir, "processed"),
	}
	for _, d := range []string{s.dir, s.incomingDir, s.outgoingDir, s.processedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue dir %s: %w", d, err)
		}
	}
	return s, nil
}

// newID returns a time-ordered unique id. Because pending files are
// named by id and listed in filename order, v7 ids make the directory
// listing the FIFO arrival order without trusting producer clocks.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Dir returns the queue root directory.
func (s *Store) Dir() string { return s.dir }

// IncomingDir returns the directory holding pending message files.
func (s *Store) IncomingDir() string { return s.incomingDir }

// sessionFilename replaces characters unsafe in filenames so a composite
// session id like "web:abc" maps to a stable log name.
func sessionFilename(sessionID string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")
	return r.Replace(sessionID) + ".jsonl"
}

// Enqueue persists one inbound message. The id and timestamp are
// assigned before anything else (and returned even on failure, so the
// caller can report which message to resubmit). The write is durable
// (temp file, fsync, rename) before Enqueue returns.
func (s *Store) Enqueue(msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Type == "" {
		msg.Type = TypeUserMessage
	}
	if msg.SessionID == "" {
		msg.SessionID = "web:default"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if strings.TrimSpace(msg.Content) == "" {
		return msg, ErrEmptyContent
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	tmp, err := os.CreateTemp(s.incomingDir, ".enqueue-*")
	if err != nil {
		return msg, fmt.Errorf("failed to stage message %s: %w", msg.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return msg, fmt.Errorf("failed to write message %s: %w", msg.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return msg, fmt.Errorf("failed to flush message %s: %w", msg.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return msg, fmt.Errorf("failed to close message %s: %w", msg.ID, err)
	}
	final := filepath.Join(s.incomingDir, msg.ID+".json")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return msg, fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	return msg, nil
}

// ListPending returns not-yet-processed messages in FIFO arrival order
// (lexicographic filename order of the directory listing, so clock skew
// between producers cannot reorder a batch once written). limit <= 0
// uses DefaultPendingLimit. Malformed files are skipped, not fatal.
func (s *Store) ListPending(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	entries, err := os.ReadDir(s.incomingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read incoming dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) > limit {
		names = names[:limit]
	}

	msgs := make([]Message, 0, len(names))
	for _, name := range names {
		msg, err := s.readMessageFile(filepath.Join(s.incomingDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue // claimed by a concurrent consumer
			}
			slog.Warn("skipping unreadable pending message", "file", name, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// readMessageFile loads and decodes one incoming/processed record.
func (s *Store) readMessageFile(path string) (Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, filepath.Base(path), err)
	}
	if msg.ID == "" {
		msg.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return msg, nil
}

// MarkProcessed moves a message out of the pending set. The rename is
// the state transition, so a message is either pending or processed,
// never both. Calling it again for an already-processed (or evicted)
// message is a no-op.
func (s *Store) MarkProcessed(msg Message) error {
	if msg.ID == "" {
		return nil
	}
	name := msg.ID + ".json"
	src := filepath.Join(s.incomingDir, name)
	dst := filepath.Join(s.processedDir, name)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to archive message %s: %w", msg.ID, err)
	}
	return nil
}

// AppendOutbound appends one response to the session's outgoing log,
// creating it on first use. The stored response (with assigned id and
// timestamp) is returned so callers can track delivery.
func (s *Store) AppendOutbound(sessionID string, resp Response) (Response, error) {
	if resp.ID == "" {
		resp.ID = newID()
	}
	if resp.Type == "" {
		resp.Type = TypeAgentResponse
	}
	resp.SessionID = sessionID
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode response %s: %w", resp.ID, err)
	}

	path := filepath.Join(s.outgoingDir, sessionFilename(sessionID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Response{}, fmt.Errorf("failed to open outbound log for %s: %w", sessionID, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Response{}, fmt.Errorf("failed to append response %s: %w", resp.ID, err)
	}
	if err := f.Sync(); err != nil {
		return Response{}, fmt.Errorf("failed to flush response %s: %w", resp.ID, err)
	}
	return resp, nil
}

// ReadOutboundSince returns responses appended strictly after since, in
// append order. A missing log means no responses yet, not an error.
// Corrupt lines are skipped so one bad record cannot wedge delivery.
func (s *Store) ReadOutboundSince(sessionID string, since time.Time) ([]Response, error) {
	path := filepath.Join(s.outgoingDir, sessionFilename(sessionID))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open outbound log for %s: %w", sessionID, err)
	}
	defer f.Close()

	// bufio.Reader rather than a Scanner: a Scanner's line cap turns one
	// oversized record into a permanent read failure for the whole log.
	var resps []Response
	rd := bufio.NewReaderSize(f, 64*1024)
	for {
		line, readErr := rd.ReadBytes('\n')
		line = bytes.TrimRight(line, "\n")
		if len(line) > 0 {
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				slog.Warn("skipping malformed outbound record", "session", sessionID, "error", err)
			} else if resp.Timestamp.After(since) {
				resps = append(resps, resp)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return resps, nil
			}
			return resps, fmt.Errorf("failed to read outbound log for %s: %w", sessionID, readErr)
		}
	}
}

// CleanupOlderThan evicts inbound messages (pending and archived) whose
// files have not been touched for longer than ttl, deletes equally stale
// outbound logs, and trims oversized logs down to their most recent
// entries. Individual failures are logged and skipped.
func (s *Store) CleanupOlderThan(ttl time.Duration) error {
	cutoff := time.Now().Add(-ttl)

	for _, dir := range []string{s.incomingDir, s.processedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("cleanup: failed to read dir", "dir", dir, "error", err)
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
					slog.Warn("cleanup: failed to remove message", "file", e.Name(), "error", err)
				}
			}
		}
	}

	entries, err := os.ReadDir(s.outgoingDir)
	if err != nil {
		return fmt.Errorf("failed to read outgoing dir: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(s.outgoingDir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				slog.Warn("cleanup: failed to remove outbound log", "file", e.Name(), "error", err)
			}
			continue
		}
		if info.Size() > maxLogBytes {
			if err := trimLog(path, trimKeepLines); err != nil {
				slog.Warn("cleanup: failed to trim outbound log", "file", e.Name(), "error", err)
			}
		}
	}
	return nil
}

// trimLog rewrites a JSONL file keeping only the last keep lines.
func trimLog(path string, keep int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= keep {
		return nil
	}
	kept := strings.Join(lines[len(lines)-keep:], "\n") + "\n"
	return os.WriteFile(path, []byte(kept), 0o644)
}

// Stats counts queue occupancy. Failures degrade to zero counts for the
// affected directory rather than failing the whole report.
func (s *Store) Stats() Stats {
	var st Stats
	if entries, err := os.ReadDir(s.incomingDir); err == nil {
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".json") {
				st.Pending++
			}
		}
	}
	if entries, err := os.ReadDir(s.processedDir); err == nil {
		st.Processed = len(entries)
	}
	if entries, err := os.ReadDir(s.outgoingDir); err == nil {
		st.ActiveSessions = len(entries)
		for _, e := range entries {
			if info, err := e.Info(); err == nil {
				st.OutgoingSizeBytes += info.Size()
			}
		}
	}
	return st
}
