package store

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// JournalEntry is one line of the audit journal.
type JournalEntry struct {
	IncidentID  string       `json:"incident_id"`
	Seq         int          `json:"seq"`
	FromState   domain.State `json:"from_state"`
	ToState     domain.State `json:"to_state"`
	Timestamp   time.Time    `json:"timestamp"`
	EvidenceRef string       `json:"evidence_ref,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	EntryHash   string       `json:"entry_hash"`
}

// Journal writes append-only, hash-chained audit entries to a JSON-lines
// file. Each entry's hash covers the previous hash and the entry itself, so
// an edited or removed line breaks the chain from that point on.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// OpenJournal opens (or creates) the journal at path and recovers the last
// hash for chain continuity. The directory is created with 0700, the file
// with 0600.
func OpenJournal(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("journal: create dir %s: %w", dir, err)
	}

	prevHash := ""
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
		var last JournalEntry
		if json.Unmarshal(lines[len(lines)-1], &last) == nil {
			prevHash = last.EntryHash
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{file: f, prevHash: prevHash}, nil
}

// Append writes ev as the next journal entry.
func (j *Journal) Append(ev domain.AuditEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := JournalEntry{
		IncidentID:  ev.IncidentID,
		Seq:         ev.Seq,
		FromState:   ev.From,
		ToState:     ev.To,
		Timestamp:   ev.Timestamp.UTC(),
		EvidenceRef: ev.EvidenceRef,
		Reason:      ev.Reason,
	}
	hash, err := chainHash(j.prevHash, entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	j.prevHash = hash
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// chainHash is SHA256(prevHash + json(entry without hash)).
func chainHash(prevHash string, entry JournalEntry) (string, error) {
	entry.EntryHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("journal: marshal: %w", err)
	}
	h := sha256.Sum256(append([]byte(prevHash), raw...))
	return fmt.Sprintf("%x", h), nil
}

// VerifyJournal re-computes the hash chain of the journal at path and
// returns the number of valid entries. The error names the first line that
// does not verify.
func VerifyJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	prev := ""
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return n, fmt.Errorf("journal: line %d: %w", n+1, err)
		}
		want, err := chainHash(prev, entry)
		if err != nil {
			return n, err
		}
		if entry.EntryHash != want {
			return n, fmt.Errorf("journal: line %d: hash chain broken", n+1)
		}
		prev = entry.EntryHash
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("journal: read: %w", err)
	}
	return n, nil
}
