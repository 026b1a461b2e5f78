package sheetgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentworkforce/sheetgate"

type Logger interface {
	Printf(format string, args ...any)
}

type ServedFrom string

const (
	ServedVolatile ServedFrom = "volatile"
	ServedJournal  ServedFrom = "journal"
	ServedRemote   ServedFrom = "remote"
)

type BatchResult struct {
	SourceID    string              `json:"sourceId"`
	Entities    map[string][]Record `json:"entities"`
	Diagnostics []Diagnostic        `json:"diagnostics"`
	Checksum    string              `json:"checksum"`
	ServedFrom  ServedFrom          `json:"servedFrom"`
}

func (b BatchResult) Clone() BatchResult {
	out := b
	out.Entities = make(map[string][]Record, len(b.Entities))
	for name, records := range b.Entities {
		cloned := make([]Record, len(records))
		for i, r := range records {
			cloned[i] = r.Clone()
		}
		out.Entities[name] = cloned
	}
	out.Diagnostics = append([]Diagnostic{}, b.Diagnostics...)
	return out
}

// InvalidationEvent is published after every successful mutation.
type InvalidationEvent struct {
	SourceID string    `json:"sourceId"`
	Entity   string    `json:"entity"`
	Op       string    `json:"op"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
}

type Options struct {
	Store    TabularStore
	Journal  Journal
	Schemas  *SchemaSet
	CacheTTL time.Duration
	Retry    RetryPolicy
	Sleep    func(ctx context.Context, delay time.Duration) error
	Now      func() time.Time
	NewKey   func() (string, error)
	Logger   Logger
	Metrics  *Metrics
	Tracer   trace.Tracer
}

// Gateway exposes named ranges of a tabular store as typed entity sets.
type Gateway struct {
	store    TabularStore
	journal  Journal
	volatile *VolatileCache
	policy   RetryPolicy
	sleep    func(ctx context.Context, delay time.Duration) error
	now      func() time.Time
	newKey   func() (string, error)
	logger   Logger
	metrics  *Metrics
	tracer   trace.Tracer

	mu       sync.RWMutex
	schemas  *SchemaSet
	headers  map[string]HeaderIndex
	sheetIDs map[string]map[string]int64

	decodes atomic.Int64

	// generation advances whenever the volatile cache is cleared. A read
	// only populates the caches if no clear happened while it was in flight.
	genMu      sync.Mutex
	generation atomic.Uint64

	subMu       sync.Mutex
	subscribers map[int]chan InvalidationEvent
	nextSub     int
}

func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: tabular store is required", ErrInvalidInput)
	}
	if opts.Schemas == nil {
		return nil, fmt.Errorf("%w: schemas are required", ErrInvalidInput)
	}
	g := &Gateway{
		store:       opts.Store,
		journal:     opts.Journal,
		policy:      opts.Retry.withDefaults(),
		sleep:       opts.Sleep,
		now:         opts.Now,
		newKey:      opts.NewKey,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		schemas:     opts.Schemas,
		headers:     map[string]HeaderIndex{},
		sheetIDs:    map[string]map[string]int64{},
		subscribers: map[int]chan InvalidationEvent{},
	}
	if g.journal == nil {
		g.journal = NewInMemoryJournal()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newKey == nil {
		g.newKey = newUUIDv7Key
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(tracerName)
	}
	g.volatile = NewVolatileCache(opts.CacheTTL, g.now)
	g.metrics.observeCacheSize(g.volatile)
	return g, nil
}

func newUUIDv7Key() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (g *Gateway) Schemas() *SchemaSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.schemas
}

// SetSchemas swaps the schema set and drops every cached derivative,
// including the whole journal.
func (g *Gateway) SetSchemas(ctx context.Context, set *SchemaSet) error {
	if set == nil {
		return fmt.Errorf("%w: schemas are required", ErrInvalidInput)
	}
	g.mu.Lock()
	g.schemas = set
	g.headers = map[string]HeaderIndex{}
	g.sheetIDs = map[string]map[string]int64{}
	g.mu.Unlock()
	g.clearVolatile()
	g.logf("sheetgate: schemas reloaded fingerprint=%s entities=%d", set.Fingerprint(), len(set.Names()))
	return g.ResetJournal(ctx)
}

// DecodeCount reports how many entity ranges have been run through the codec.
func (g *Gateway) DecodeCount() int64 {
	return g.decodes.Load()
}

func (g *Gateway) ClearVolatileCache() {
	g.clearVolatile()
}

func (g *Gateway) InvalidateJournal(ctx context.Context, sourceID string) error {
	g.generation.Add(1)
	return g.journal.Invalidate(ctx, sourceID)
}

func (g *Gateway) ResetJournal(ctx context.Context) error {
	g.generation.Add(1)
	return g.journal.Clear(ctx)
}

func (g *Gateway) clearVolatile() {
	g.genMu.Lock()
	g.generation.Add(1)
	g.volatile.Clear()
	g.genMu.Unlock()
}

// cacheResult stores result in Tier 1 unless a clear happened after gen was
// observed.
func (g *Gateway) cacheResult(gen uint64, signature string, result BatchResult) bool {
	g.genMu.Lock()
	defer g.genMu.Unlock()
	if g.generation.Load() != gen {
		return false
	}
	g.volatile.Put(signature, result)
	return true
}

func (g *Gateway) Close() error {
	g.subMu.Lock()
	for id, ch := range g.subscribers {
		close(ch)
		delete(g.subscribers, id)
	}
	g.subMu.Unlock()
	return g.journal.Close()
}

// Subscribe registers for invalidation events. Slow subscribers miss events
// rather than block mutations.
func (g *Gateway) Subscribe(buffer int) (<-chan InvalidationEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan InvalidationEvent, buffer)
	g.subMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subscribers[id] = ch
	g.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subMu.Lock()
			defer g.subMu.Unlock()
			if existing, ok := g.subscribers[id]; ok {
				delete(g.subscribers, id)
				close(existing)
			}
		})
	}
}

func (g *Gateway) publish(evt InvalidationEvent) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// FetchBatch returns the named entity sets of one source. An empty name
// list means every entity backed by the source.
func (g *Gateway) FetchBatch(ctx context.Context, sourceID string, entityNames []string) (*BatchResult, error) {
	ctx, span := g.tracer.Start(ctx, "sheetgate.FetchBatch", trace.WithAttributes(attribute.String("sheetgate.source", sourceID)))
	defer span.End()

	result, err := g.fetchBatch(ctx, sourceID, entityNames)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("sheetgate.served_from", string(result.ServedFrom)))
	g.metrics.fetch(sourceID, result.ServedFrom)
	return result, nil
}

func (g *Gateway) fetchBatch(ctx context.Context, sourceID string, entityNames []string) (*BatchResult, error) {
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return nil, fmt.Errorf("%w: source id is required", ErrInvalidInput)
	}
	set := g.Schemas()
	names := uniqueSorted(entityNames)
	if len(names) == 0 {
		names = set.ForSource(sourceID)
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: no entities configured for source %s", ErrInvalidInput, sourceID)
		}
	}
	schemas := make([]*EntitySchema, 0, len(names))
	for _, name := range names {
		schema, ok := set.Entity(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidInput, name)
		}
		if schema.SourceID != sourceID {
			return nil, fmt.Errorf("%w: entity %q belongs to source %s", ErrInvalidInput, name, schema.SourceID)
		}
		schemas = append(schemas, schema)
	}

	signature := BatchSignature(sourceID, names)
	gen := g.generation.Load()
	if cached, ok := g.volatile.Get(signature); ok {
		cached.ServedFrom = ServedVolatile
		return &cached, nil
	}

	ranges := make([]string, len(schemas))
	for i, schema := range schemas {
		ranges[i] = schema.Range
	}
	grids, err := retryRemote(ctx, g, OpBatchGet, func(ctx context.Context) ([]ValueRange, error) {
		return g.store.BatchGet(ctx, sourceID, ranges)
	})
	if err != nil {
		return nil, err
	}
	if len(grids) != len(schemas) {
		return nil, &RemoteError{Op: OpBatchGet, StatusCode: http.StatusBadGateway, Status: "BAD_RESPONSE", Message: fmt.Sprintf("requested %d ranges, got %d", len(schemas), len(grids))}
	}
	checksum, err := batchChecksum(signature, set.Fingerprint(), grids)
	if err != nil {
		return nil, err
	}

	if result, ok := g.fromJournal(ctx, sourceID, signature, checksum, schemas); ok {
		g.cacheResult(gen, signature, *result)
		return result, nil
	}

	result := &BatchResult{
		SourceID:    sourceID,
		Entities:    make(map[string][]Record, len(schemas)),
		Diagnostics: []Diagnostic{},
		Checksum:    checksum,
		ServedFrom:  ServedRemote,
	}
	for i, schema := range schemas {
		values := grids[i].Values
		var header []Cell
		var rows [][]Cell
		if len(values) > 0 {
			header, rows = values[0], values[1:]
		}
		index := resolveHeaderCells(header)
		if g.generation.Load() == gen {
			g.storeHeader(sourceID, schema.Range, index)
		}
		records, diags := DecodeRows(rows, schema, index)
		g.decodes.Add(1)
		g.metrics.decode(schema.Name)
		for _, d := range diags {
			g.metrics.diagnostic(d)
		}
		result.Entities[schema.Name] = records
		result.Diagnostics = append(result.Diagnostics, diags...)
	}
	if n := len(result.Diagnostics); n > 0 {
		g.logf("sheetgate: source %s: %d diagnostics while decoding %s", sourceID, n, strings.Join(names, ","))
	}

	entry := JournalEntry{
		SourceID:    sourceID,
		Signature:   signature,
		Checksum:    checksum,
		Entities:    result.Entities,
		Diagnostics: result.Diagnostics,
		StoredAt:    g.now().UTC(),
	}
	if g.generation.Load() != gen {
		g.logf("sheetgate: source %s changed during read, result not cached", sourceID)
		return result, nil
	}
	if err := g.journal.Put(ctx, sourceID, entry); err != nil {
		g.logf("sheetgate: journal write for source %s failed: %v", sourceID, err)
	}
	g.cacheResult(gen, signature, *result)
	return result, nil
}

// fromJournal returns the journaled parse when its checksum matches. A
// journal read error clears the whole journal and counts as a miss.
func (g *Gateway) fromJournal(ctx context.Context, sourceID, signature, checksum string, schemas []*EntitySchema) (*BatchResult, bool) {
	entry, ok, err := g.journal.Get(ctx, sourceID)
	if err != nil {
		g.logf("sheetgate: journal read for source %s failed, clearing journal: %v", sourceID, err)
		if clearErr := g.journal.Clear(ctx); clearErr != nil {
			g.logf("sheetgate: journal clear failed: %v", clearErr)
		}
		return nil, false
	}
	if !ok || entry.Checksum != checksum || entry.Signature != signature {
		return nil, false
	}
	result := &BatchResult{
		SourceID:    sourceID,
		Entities:    make(map[string][]Record, len(schemas)),
		Diagnostics: entry.Diagnostics,
		Checksum:    checksum,
		ServedFrom:  ServedJournal,
	}
	if result.Diagnostics == nil {
		result.Diagnostics = []Diagnostic{}
	}
	for _, schema := range schemas {
		records, ok := entry.Entities[schema.Name]
		if !ok {
			return nil, false
		}
		for _, rec := range records {
			restoreRecordTypes(rec, schema)
		}
		if records == nil {
			records = []Record{}
		}
		result.Entities[schema.Name] = records
	}
	return result, true
}

func batchChecksum(signature, fingerprint string, grids []ValueRange) (string, error) {
	payload, err := json.Marshal(struct {
		Signature   string       `json:"signature"`
		Fingerprint string       `json:"fingerprint"`
		Ranges      []ValueRange `json:"ranges"`
	}{signature, fingerprint, grids})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(payload)), nil
}

// Create appends a new row. The key is generated unless the caller supplies
// one that is not already present.
func (g *Gateway) Create(ctx context.Context, entity string, partial Record) (Record, error) {
	ctx, span := g.tracer.Start(ctx, "sheetgate.Create", trace.WithAttributes(attribute.String("sheetgate.entity", entity)))
	defer span.End()
	rec, err := g.create(ctx, entity, partial)
	g.endMutation(span, "create", err)
	return rec, err
}

func (g *Gateway) create(ctx context.Context, entity string, partial Record) (Record, error) {
	m := &mutation{op: "create", entity: entity, stage: StageIdle}
	schema, err := g.entity(entity)
	if err != nil {
		return nil, m.fail(err)
	}
	rec := partial.Clone()
	if rec == nil {
		rec = Record{}
	}
	supplied := rec.Key(schema)
	if supplied == "" {
		key, err := g.newKey()
		if err != nil {
			return nil, m.fail(err)
		}
		rec[schema.KeyField] = schema.KeyPrefix + key
	}
	m.key = rec.Key(schema)
	normalized, err := NormalizeRecord(rec, schema)
	if err != nil {
		return nil, m.fail(err)
	}

	m.stage = StageResolvingRow
	ref, index, err := g.target(ctx, schema, normalized)
	if err != nil {
		return nil, m.fail(err)
	}
	if supplied != "" {
		_, err := g.findRow(ctx, schema, ref, index, m.key)
		if err == nil {
			return nil, m.fail(fmt.Errorf("%w: %s %q already exists", ErrDuplicateKey, schema.Name, m.key))
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, m.fail(err)
		}
	}

	m.stage = StageWriting
	row := Encode(normalized, schema, index)
	err = g.retry(ctx, OpAppend, func(ctx context.Context) error {
		return g.store.Append(ctx, schema.SourceID, schema.Range, [][]Cell{row})
	})
	if err != nil {
		return nil, m.fail(err)
	}

	if err := g.finish(ctx, m, schema); err != nil {
		return nil, err
	}
	return withoutNil(normalized), nil
}

// Update overwrites the first row whose key matches record's key.
func (g *Gateway) Update(ctx context.Context, entity string, record Record) (Record, error) {
	ctx, span := g.tracer.Start(ctx, "sheetgate.Update", trace.WithAttributes(attribute.String("sheetgate.entity", entity)))
	defer span.End()
	rec, err := g.update(ctx, entity, record)
	g.endMutation(span, "update", err)
	return rec, err
}

func (g *Gateway) update(ctx context.Context, entity string, record Record) (Record, error) {
	m := &mutation{op: "update", entity: entity, stage: StageIdle}
	schema, err := g.entity(entity)
	if err != nil {
		return nil, m.fail(err)
	}
	m.key = record.Key(schema)
	normalized, err := NormalizeRecord(record, schema)
	if err != nil {
		return nil, m.fail(err)
	}

	m.stage = StageResolvingRow
	ref, index, err := g.target(ctx, schema, normalized)
	if err != nil {
		return nil, m.fail(err)
	}
	sheetRow, err := g.findRow(ctx, schema, ref, index, m.key)
	if err != nil {
		return nil, m.fail(err)
	}

	m.stage = StageWriting
	row := Encode(normalized, schema, index)
	err = g.retry(ctx, OpUpdateRow, func(ctx context.Context) error {
		return g.store.UpdateRow(ctx, schema.SourceID, ref.RowRange(sheetRow, len(row)), row)
	})
	if err != nil {
		return nil, m.fail(err)
	}

	if err := g.finish(ctx, m, schema); err != nil {
		return nil, err
	}
	return withoutNil(normalized), nil
}

// Delete structurally removes the first row whose key matches.
func (g *Gateway) Delete(ctx context.Context, entity, key string) error {
	ctx, span := g.tracer.Start(ctx, "sheetgate.Delete", trace.WithAttributes(attribute.String("sheetgate.entity", entity)))
	defer span.End()
	err := g.delete(ctx, entity, key)
	g.endMutation(span, "delete", err)
	return err
}

func (g *Gateway) delete(ctx context.Context, entity, key string) error {
	key = strings.TrimSpace(key)
	m := &mutation{op: "delete", entity: entity, key: key, stage: StageIdle}
	schema, err := g.entity(entity)
	if err != nil {
		return m.fail(err)
	}
	if key == "" {
		return m.fail(fmt.Errorf("%w: key is required", ErrInvalidInput))
	}

	m.stage = StageResolvingRow
	ref, index, err := g.target(ctx, schema, Record{schema.KeyField: key})
	if err != nil {
		return m.fail(err)
	}
	sheetRow, err := g.findRow(ctx, schema, ref, index, key)
	if err != nil {
		return m.fail(err)
	}
	sheetID, err := g.sheetID(ctx, schema.SourceID, ref.Sheet)
	if err != nil {
		return m.fail(err)
	}

	m.stage = StageWriting
	err = g.retry(ctx, OpDeleteRows, func(ctx context.Context) error {
		return g.store.DeleteRows(ctx, schema.SourceID, sheetID, sheetRow-1, sheetRow)
	})
	if err != nil {
		return m.fail(err)
	}
	return g.finish(ctx, m, schema)
}

type mutation struct {
	op     string
	entity string
	key    string
	stage  MutationStage
}

func (m *mutation) fail(err error) error {
	return &MutationError{Op: m.op, Entity: m.entity, Key: m.key, Stage: m.stage, Err: err}
}

// finish runs the invalidating stage: both cache tiers and the source's
// derived caches are dropped before the mutation returns.
func (g *Gateway) finish(ctx context.Context, m *mutation, schema *EntitySchema) error {
	m.stage = StageInvalidating
	g.clearVolatile()
	g.dropSourceCaches(schema.SourceID)
	if err := g.journal.Invalidate(ctx, schema.SourceID); err != nil {
		return m.fail(err)
	}
	m.stage = StageDone
	g.publish(InvalidationEvent{
		SourceID: schema.SourceID,
		Entity:   schema.Name,
		Op:       m.op,
		Key:      m.key,
		At:       g.now().UTC(),
	})
	return nil
}

func (g *Gateway) endMutation(span trace.Span, op string, err error) {
	g.metrics.mutation(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (g *Gateway) entity(name string) (*EntitySchema, error) {
	schema, ok := g.Schemas().Entity(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidInput, name)
	}
	return schema, nil
}

// target resolves the range and header index for a write. Every header the
// record touches, and the key header, must exist.
func (g *Gateway) target(ctx context.Context, schema *EntitySchema, record Record) (RangeRef, HeaderIndex, error) {
	ref, err := ParseRange(schema.Range)
	if err != nil {
		return RangeRef{}, HeaderIndex{}, err
	}
	index, err := g.headerIndex(ctx, schema, ref)
	if err != nil {
		return RangeRef{}, HeaderIndex{}, err
	}
	var missing []string
	for _, f := range schema.Fields {
		if _, touched := record[f.Name]; !touched && f.Name != schema.KeyField {
			continue
		}
		if _, ok := index.Lookup(f.Header); !ok {
			missing = append(missing, f.Header)
		}
	}
	if len(missing) > 0 {
		return RangeRef{}, HeaderIndex{}, &HeaderNotFoundError{Entity: schema.Name, Range: schema.Range, Headers: missing}
	}
	return ref, index, nil
}

func (g *Gateway) headerIndex(ctx context.Context, schema *EntitySchema, ref RangeRef) (HeaderIndex, error) {
	cacheKey := schema.SourceID + "|" + schema.Range
	g.mu.RLock()
	index, ok := g.headers[cacheKey]
	g.mu.RUnlock()
	if ok {
		return index, nil
	}
	grids, err := retryRemote(ctx, g, OpBatchGet, func(ctx context.Context) ([]ValueRange, error) {
		return g.store.BatchGet(ctx, schema.SourceID, []string{ref.HeaderRange()})
	})
	if err != nil {
		return HeaderIndex{}, err
	}
	var header []Cell
	if len(grids) > 0 && len(grids[0].Values) > 0 {
		header = grids[0].Values[0]
	}
	index = resolveHeaderCells(header)
	g.storeHeader(schema.SourceID, schema.Range, index)
	return index, nil
}

func (g *Gateway) storeHeader(sourceID, rng string, index HeaderIndex) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.headers[sourceID+"|"+rng] = index
}

// findRow scans the live key column top to bottom and returns the one-based
// sheet row of the first exact match.
func (g *Gateway) findRow(ctx context.Context, schema *EntitySchema, ref RangeRef, index HeaderIndex, key string) (int, error) {
	col, ok := index.Lookup(schema.KeyHeader())
	if !ok {
		return 0, &HeaderNotFoundError{Entity: schema.Name, Range: schema.Range, Headers: []string{schema.KeyHeader()}}
	}
	grids, err := retryRemote(ctx, g, OpBatchGet, func(ctx context.Context) ([]ValueRange, error) {
		return g.store.BatchGet(ctx, schema.SourceID, []string{ref.ColumnRange(col)})
	})
	if err != nil {
		return 0, err
	}
	if len(grids) > 0 {
		values := grids[0].Values
		for i := 1; i < len(values); i++ {
			if len(values[i]) == 0 {
				continue
			}
			if strings.TrimSpace(cellString(values[i][0])) == key {
				return ref.StartRow + i, nil
			}
		}
	}
	return 0, &KeyNotFoundError{Entity: schema.Name, Key: key}
}

func (g *Gateway) sheetID(ctx context.Context, sourceID, sheet string) (int64, error) {
	g.mu.RLock()
	id, ok := g.sheetIDs[sourceID][sheet]
	g.mu.RUnlock()
	if ok {
		return id, nil
	}
	meta, err := retryRemote(ctx, g, OpMetadata, func(ctx context.Context) (SourceMetadata, error) {
		return g.store.Metadata(ctx, sourceID)
	})
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.sheetIDs[sourceID] = meta.Sheets
	g.mu.Unlock()
	id, ok = meta.Sheets[sheet]
	if !ok {
		return 0, fmt.Errorf("%w: sheet %q not found in source %s", ErrInvalidInput, sheet, sourceID)
	}
	return id, nil
}

func (g *Gateway) dropSourceCaches(sourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := sourceID + "|"
	for key := range g.headers {
		if strings.HasPrefix(key, prefix) {
			delete(g.headers, key)
		}
	}
	delete(g.sheetIDs, sourceID)
}

func (g *Gateway) retrier(op string) *Retrier {
	return NewRetrier(RetrierOptions{
		Policy: g.policy,
		Sleep:  g.sleep,
		OnRetry: func(a RetryAttempt) {
			g.metrics.retry(op)
			g.logf("sheetgate: %s attempt %d failed, retrying in %s: %v", op, a.Attempt, a.Delay, a.Err)
		},
	})
}

// retry runs one remote operation through the retry executor.
func (g *Gateway) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.retrier(op).Do(ctx, func(ctx context.Context) error {
		return g.attempt(ctx, op, fn)
	})
}

func retryRemote[T any](ctx context.Context, g *Gateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return Retry(ctx, g.retrier(op), func(ctx context.Context) (T, error) {
		var out T
		err := g.attempt(ctx, op, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		return out, err
	})
}

// attempt wraps a single remote call in a span and a latency observation.
func (g *Gateway) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "sheetgate.remote."+op)
	defer span.End()
	started := time.Now()
	err := fn(ctx)
	g.metrics.remoteCall(op, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

func withoutNil(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
