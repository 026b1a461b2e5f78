package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/agentworkforce/sheetgate/internal/sheetgate"
)

const (
	diagnosticsFile  = "_diagnostics.json"
	defaultStateFile = ".sheetgate-mirror-state.json"
	entityFileSuffix = ".json"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	SourceID  string
	Entities  []string
	LocalDir  string
	StateFile string
	Logger    Logger
	Now       func() time.Time
}

// Mirror keeps a local directory in step with one source's batch: one JSON
// file per entity set plus the batch diagnostics.
type Mirror struct {
	client    RemoteClient
	sourceID  string
	entities  []string
	localDir  string
	stateFile string
	logger    Logger
	now       func() time.Time
	state     mirrorState
	loaded    bool
}

type mirrorState struct {
	SourceID string            `json:"sourceId"`
	Checksum string            `json:"checksum"`
	Files    map[string]string `json:"files"`
	SyncedAt time.Time         `json:"syncedAt,omitempty"`
}

// SyncResult reports what one cycle did.
type SyncResult struct {
	Checksum    string
	Changed     bool
	Written     []string
	Removed     []string
	Diagnostics int
}

func New(client RemoteClient, opts Options) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	sourceID := strings.TrimSpace(opts.SourceID)
	if sourceID == "" {
		return nil, fmt.Errorf("source id is required")
	}
	localRaw := strings.TrimSpace(opts.LocalDir)
	if localRaw == "" {
		return nil, fmt.Errorf("local dir is required")
	}
	localDir := filepath.Clean(localRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localDir, defaultStateFile)
	}
	entities := make([]string, 0, len(opts.Entities))
	for _, name := range opts.Entities {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := checkEntityName(name); err != nil {
			return nil, err
		}
		entities = append(entities, name)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, err
	}
	return &Mirror{
		client:    client,
		sourceID:  sourceID,
		entities:  entities,
		localDir:  localDir,
		stateFile: stateFile,
		logger:    opts.Logger,
		now:       now,
	}, nil
}

// SyncOnce fetches the batch and rewrites the local files when the checksum
// moved or a tracked file went missing.
func (m *Mirror) SyncOnce(ctx context.Context) (SyncResult, error) {
	if err := m.loadState(); err != nil {
		return SyncResult{}, err
	}
	known := m.state.Checksum
	if !m.filesIntact() {
		known = ""
	}

	batch, err := m.client.FetchBatch(ctx, m.sourceID, m.entities, known)
	if errors.Is(err, ErrNotModified) {
		return SyncResult{Checksum: known}, nil
	}
	if err != nil {
		return SyncResult{}, err
	}
	if known != "" && batch.Checksum == known {
		return SyncResult{Checksum: known}, nil
	}

	result := SyncResult{Checksum: batch.Checksum, Changed: true, Diagnostics: len(batch.Diagnostics)}
	files := map[string][]byte{}
	names := make([]string, 0, len(batch.Entities))
	for name := range batch.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := checkEntityName(name); err != nil {
			return SyncResult{}, err
		}
		records := batch.Entities[name]
		if records == nil {
			records = []sheetgate.Record{}
		}
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return SyncResult{}, err
		}
		files[name+entityFileSuffix] = append(data, '\n')
	}
	diags := batch.Diagnostics
	if diags == nil {
		diags = []sheetgate.Diagnostic{}
	}
	data, err := json.MarshalIndent(diags, "", "  ")
	if err != nil {
		return SyncResult{}, err
	}
	files[diagnosticsFile] = append(data, '\n')

	nextFiles := make(map[string]string, len(files))
	fileNames := make([]string, 0, len(files))
	for name := range files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		data := files[name]
		hash := hashBytes(data)
		nextFiles[name] = hash
		if m.state.Files[name] == hash && fileHash(filepath.Join(m.localDir, name)) == hash {
			continue
		}
		if err := writeFileAtomic(filepath.Join(m.localDir, name), data, 0o644); err != nil {
			return SyncResult{}, err
		}
		result.Written = append(result.Written, name)
	}

	stale := make([]string, 0)
	for name := range m.state.Files {
		if _, ok := nextFiles[name]; !ok {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		if err := os.Remove(filepath.Join(m.localDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return SyncResult{}, err
		}
		result.Removed = append(result.Removed, name)
	}

	if result.Diagnostics > 0 {
		m.logf("mirror: %s: %d rows reported diagnostics", m.sourceID, result.Diagnostics)
	}
	m.state = mirrorState{
		SourceID: m.sourceID,
		Checksum: batch.Checksum,
		Files:    nextFiles,
		SyncedAt: m.now().UTC(),
	}
	if err := m.saveState(); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

func (m *Mirror) filesIntact() bool {
	if len(m.state.Files) == 0 {
		return false
	}
	for name, hash := range m.state.Files {
		if fileHash(filepath.Join(m.localDir, name)) != hash {
			return false
		}
	}
	return true
}

func (m *Mirror) loadState() error {
	if m.loaded {
		return nil
	}
	m.loaded = true
	m.state = mirrorState{Files: map[string]string{}}
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		m.logf("mirror: ignoring unreadable state file %s: %v", m.stateFile, err)
		return nil
	}
	// A state file written for another source says nothing about this one.
	if state.SourceID != m.sourceID {
		return nil
	}
	if state.Files == nil {
		state.Files = map[string]string{}
	}
	m.state = state
	return nil
}

func (m *Mirror) saveState() error {
	data, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(m.stateFile, data, 0o644)
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func checkEntityName(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, "_") {
		return fmt.Errorf("entity name %q cannot be mirrored to a file", name)
	}
	return nil
}

func hashBytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return hashBytes(data)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	done := false
	defer func() {
		if !done {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	done = true
	return nil
}
