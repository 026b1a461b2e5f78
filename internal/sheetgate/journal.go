package sheetgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrJournalCorrupt = errors.New("journal corrupt")

// JournalEntry is the persisted parse result for one source. Checksum
// covers the raw grids, the batch signature and the schema fingerprint.
type JournalEntry struct {
	SourceID    string              `json:"sourceId"`
	Signature   string              `json:"signature"`
	Checksum    string              `json:"checksum"`
	Entities    map[string][]Record `json:"entities"`
	Diagnostics []Diagnostic        `json:"diagnostics,omitempty"`
	StoredAt    time.Time           `json:"storedAt"`
}

// Journal is the durable tier, keyed by source id.
type Journal interface {
	Get(ctx context.Context, sourceID string) (JournalEntry, bool, error)
	Put(ctx context.Context, sourceID string, entry JournalEntry) error
	Invalidate(ctx context.Context, sourceID string) error
	Clear(ctx context.Context) error
	Close() error
}

func encodeJournalEntry(entry JournalEntry) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeJournalEntry(data []byte) (JournalEntry, error) {
	var entry JournalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return JournalEntry{}, fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
	}
	if entry.Checksum == "" {
		return JournalEntry{}, fmt.Errorf("%w: entry has no checksum", ErrJournalCorrupt)
	}
	return entry, nil
}

type InMemoryJournal struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{entries: map[string][]byte{}}
}

func (j *InMemoryJournal) Get(_ context.Context, sourceID string) (JournalEntry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, ok := j.entries[sourceID]
	if !ok {
		return JournalEntry{}, false, nil
	}
	entry, err := decodeJournalEntry(data)
	if err != nil {
		return JournalEntry{}, false, err
	}
	return entry, true, nil
}

func (j *InMemoryJournal) Put(_ context.Context, sourceID string, entry JournalEntry) error {
	data, err := encodeJournalEntry(entry)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[sourceID] = data
	return nil
}

func (j *InMemoryJournal) Invalidate(_ context.Context, sourceID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, sourceID)
	return nil
}

func (j *InMemoryJournal) Clear(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = map[string][]byte{}
	return nil
}

func (j *InMemoryJournal) Close() error { return nil }

// JSONFileJournal keeps every source's entry in a single JSON document,
// rewritten atomically on each change.
type JSONFileJournal struct {
	mu   sync.Mutex
	path string
}

func NewJSONFileJournal(path string) (*JSONFileJournal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileJournal{path: path}, nil
}

func (j *JSONFileJournal) Path() string {
	return j.path
}

func (j *JSONFileJournal) loadLocked() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	doc := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
	}
	return doc, nil
}

func (j *JSONFileJournal) saveLocked(doc map[string]json.RawMessage) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(j.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(j.path, data, 0o644)
}

func (j *JSONFileJournal) Get(_ context.Context, sourceID string) (JournalEntry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	doc, err := j.loadLocked()
	if err != nil {
		return JournalEntry{}, false, err
	}
	raw, ok := doc[sourceID]
	if !ok {
		return JournalEntry{}, false, nil
	}
	entry, err := decodeJournalEntry(raw)
	if err != nil {
		return JournalEntry{}, false, err
	}
	return entry, true, nil
}

func (j *JSONFileJournal) Put(_ context.Context, sourceID string, entry JournalEntry) error {
	data, err := encodeJournalEntry(entry)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	doc, err := j.loadLocked()
	if err != nil {
		if !errors.Is(err, ErrJournalCorrupt) {
			return err
		}
		doc = map[string]json.RawMessage{}
	}
	doc[sourceID] = data
	return j.saveLocked(doc)
}

func (j *JSONFileJournal) Invalidate(_ context.Context, sourceID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	doc, err := j.loadLocked()
	if err != nil {
		if errors.Is(err, ErrJournalCorrupt) {
			return j.saveLocked(map[string]json.RawMessage{})
		}
		return err
	}
	if _, ok := doc[sourceID]; !ok {
		return nil
	}
	delete(doc, sourceID)
	return j.saveLocked(doc)
}

func (j *JSONFileJournal) Clear(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saveLocked(map[string]json.RawMessage{})
}

func (j *JSONFileJournal) Close() error { return nil }

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
