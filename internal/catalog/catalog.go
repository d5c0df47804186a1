package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/pkg/types"
)

// ChunkRecord is a chunk index entry.
type ChunkRecord struct {
	types.ChunkInfo

	// ObjectPath is the blob key of the columnar segment (compressed chunks only)
	ObjectPath string

	// Bloom is the serialized series-key bloom filter (compressed chunks only)
	Bloom []byte

	CreatedAt time.Time
}

// PolicyRecord is a scheduled policy with its run bookkeeping. Name
// distinguishes multiple policies of the same kind on one hypertable
// (refresh policies carry their aggregate's name; compression and retention
// leave it empty).
type PolicyRecord struct {
	Hypertable string
	Kind       types.PolicyKind
	Name       string
	ParamsJSON string
	Interval   time.Duration
	LastRun    time.Time
}

// AggregateRecord is a continuous aggregate definition plus its watermark.
type AggregateRecord struct {
	Config    types.AggregateConfig
	Watermark int64
	CreatedAt time.Time
}

// RollupRecord is one materialized rollup row.
type RollupRecord struct {
	BucketStart int64
	SeriesKey   string
	State       types.BucketState
}

// Catalog persists hypertable, chunk, policy, and aggregate metadata.
type Catalog interface {
	CreateHypertable(ctx context.Context, ht types.Hypertable) error
	GetHypertable(ctx context.Context, name string) (types.Hypertable, error)
	ListHypertables(ctx context.Context) ([]types.Hypertable, error)
	DropHypertable(ctx context.Context, name string) error

	RegisterChunk(ctx context.Context, info types.ChunkInfo) error
	GetChunk(ctx context.Context, chunkID string) (*ChunkRecord, error)
	ListChunks(ctx context.Context, hypertable string) ([]*ChunkRecord, error)
	SetChunkCompressed(ctx context.Context, chunkID, objectPath string, bloom []byte, rowCount int64) error
	SetChunkActive(ctx context.Context, chunkID string, rowCount int64) error
	MarkChunkDropped(ctx context.Context, chunkID string) error

	PutPolicy(ctx context.Context, rec PolicyRecord) error
	DeletePolicy(ctx context.Context, hypertable string, kind types.PolicyKind, name string) error
	ListPolicies(ctx context.Context) ([]PolicyRecord, error)
	SetPolicyLastRun(ctx context.Context, hypertable string, kind types.PolicyKind, name string, lastRun time.Time) error

	CreateAggregate(ctx context.Context, cfg types.AggregateConfig) error
	GetAggregate(ctx context.Context, name string) (*AggregateRecord, error)
	ListAggregates(ctx context.Context) ([]*AggregateRecord, error)
	ListAggregatesFor(ctx context.Context, hypertable string) ([]*AggregateRecord, error)
	DropAggregate(ctx context.Context, name string) error

	// CommitRefresh atomically replaces the rollup rows whose bucket start
	// falls in clear, inserts the recomputed rows, and advances the
	// aggregate's watermark. All-or-nothing: a failed refresh leaves both
	// rollups and watermark untouched.
	CommitRefresh(ctx context.Context, aggregate string, clear types.TimeRange, rows []RollupRecord, watermark int64) error
	ListRollups(ctx context.Context, aggregate string, r types.TimeRange) ([]RollupRecord, error)

	Close() error
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock
}

// NewCatalog opens (creating if necessary) a SQLite catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLiteCatalog{db: db, readDB: readDB, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes both database connections.
func (c *SQLiteCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

// --- Hypertables ---

// CreateHypertable registers a hypertable definition.
// Returns AlreadyExists if the name is taken.
func (c *SQLiteCatalog) CreateHypertable(ctx context.Context, ht types.Hypertable) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO hypertables (name, time_column, chunk_interval_ns, created_at)
		 VALUES (?, ?, ?, ?)`,
		ht.Name, ht.TimeColumn, int64(ht.ChunkInterval), ht.CreatedAt.UnixNano())
	if err != nil {
		return errors.NewStorageFailure("failed to insert hypertable", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageFailure("failed to inspect insert result", err)
	}
	if n == 0 {
		return errors.NewAlreadyExists("hypertable", ht.Name)
	}
	return nil
}

// GetHypertable fetches a hypertable definition by name.
func (c *SQLiteCatalog) GetHypertable(ctx context.Context, name string) (types.Hypertable, error) {
	var ht types.Hypertable
	var intervalNs, createdAt int64

	err := c.readDB.QueryRowContext(ctx,
		`SELECT name, time_column, chunk_interval_ns, created_at FROM hypertables WHERE name = ?`,
		name).Scan(&ht.Name, &ht.TimeColumn, &intervalNs, &createdAt)
	if err == sql.ErrNoRows {
		return types.Hypertable{}, errors.NewNotFound("hypertable", name)
	}
	if err != nil {
		return types.Hypertable{}, errors.NewStorageFailure("failed to read hypertable", err)
	}

	ht.ChunkInterval = time.Duration(intervalNs)
	ht.CreatedAt = time.Unix(0, createdAt)
	return ht, nil
}

// ListHypertables returns all hypertable definitions ordered by name.
func (c *SQLiteCatalog) ListHypertables(ctx context.Context) ([]types.Hypertable, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT name, time_column, chunk_interval_ns, created_at FROM hypertables ORDER BY name`)
	if err != nil {
		return nil, errors.NewStorageFailure("failed to list hypertables", err)
	}
	defer rows.Close()

	var out []types.Hypertable
	for rows.Next() {
		var ht types.Hypertable
		var intervalNs, createdAt int64
		if err := rows.Scan(&ht.Name, &ht.TimeColumn, &intervalNs, &createdAt); err != nil {
			return nil, errors.NewStorageFailure("failed to scan hypertable", err)
		}
		ht.ChunkInterval = time.Duration(intervalNs)
		ht.CreatedAt = time.Unix(0, createdAt)
		out = append(out, ht)
	}
	return out, rows.Err()
}

// DropHypertable removes a hypertable and everything that depends on it:
// rollups, aggregates, policies, and chunk index entries.
func (c *SQLiteCatalog) DropHypertable(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageFailure("failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM hypertables WHERE name = ?`, name)
	if err != nil {
		return errors.NewStorageFailure("failed to delete hypertable", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("hypertable", name)
	}

	cascade := []string{
		`DELETE FROM rollups WHERE aggregate IN (SELECT name FROM continuous_aggregates WHERE hypertable = ?)`,
		`DELETE FROM continuous_aggregates WHERE hypertable = ?`,
		`DELETE FROM policies WHERE hypertable = ?`,
		`DELETE FROM chunks WHERE hypertable = ?`,
	}
	for _, stmt := range cascade {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return errors.NewStorageFailure("failed to cascade hypertable drop", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageFailure("failed to commit hypertable drop", err)
	}
	return nil
}

// --- Chunks ---

// RegisterChunk adds a chunk index entry.
func (c *SQLiteCatalog) RegisterChunk(ctx context.Context, info types.ChunkInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO chunks (chunk_id, hypertable, start_time, end_time, state, row_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Hypertable, info.Range.Start, info.Range.End,
		info.State.String(), info.RowCount, time.Now().UnixNano())
	if err != nil {
		return errors.NewStorageFailure("failed to register chunk", err)
	}
	return nil
}

// GetChunk fetches a single chunk index entry.
func (c *SQLiteCatalog) GetChunk(ctx context.Context, chunkID string) (*ChunkRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT chunk_id, hypertable, start_time, end_time, state, row_count, object_path, bloom_data, created_at
		 FROM chunks WHERE chunk_id = ?`, chunkID)
	rec, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("chunk", chunkID)
	}
	if err != nil {
		return nil, errors.NewStorageFailure("failed to read chunk", err)
	}
	return rec, nil
}

// ListChunks returns all non-dropped chunks of a hypertable, ordered by
// start time ascending (the order the partition router relies on).
func (c *SQLiteCatalog) ListChunks(ctx context.Context, hypertable string) ([]*ChunkRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT chunk_id, hypertable, start_time, end_time, state, row_count, object_path, bloom_data, created_at
		 FROM chunks WHERE hypertable = ? AND state != 'dropped' ORDER BY start_time`, hypertable)
	if err != nil {
		return nil, errors.NewStorageFailure("failed to list chunks", err)
	}
	defer rows.Close()

	var out []*ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, errors.NewStorageFailure("failed to scan chunk", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(r rowScanner) (*ChunkRecord, error) {
	var rec ChunkRecord
	var state string
	var objectPath sql.NullString
	var createdAt int64

	err := r.Scan(&rec.ID, &rec.Hypertable, &rec.Range.Start, &rec.Range.End,
		&state, &rec.RowCount, &objectPath, &rec.Bloom, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.State, err = types.ParseChunkState(state)
	if err != nil {
		return nil, err
	}
	rec.ObjectPath = objectPath.String
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

// SetChunkCompressed transitions a chunk to the compressed state, recording
// the segment's blob key and bloom filter.
func (c *SQLiteCatalog) SetChunkCompressed(ctx context.Context, chunkID, objectPath string, bloom []byte, rowCount int64) error {
	return c.updateChunk(ctx, chunkID,
		`UPDATE chunks SET state = 'compressed', object_path = ?, bloom_data = ?, row_count = ? WHERE chunk_id = ?`,
		objectPath, bloom, rowCount, chunkID)
}

// SetChunkActive transitions a chunk back to active row storage
// (the DecompressAndWrite path), clearing segment metadata.
func (c *SQLiteCatalog) SetChunkActive(ctx context.Context, chunkID string, rowCount int64) error {
	return c.updateChunk(ctx, chunkID,
		`UPDATE chunks SET state = 'active', object_path = NULL, bloom_data = NULL, row_count = ? WHERE chunk_id = ?`,
		rowCount, chunkID)
}

// MarkChunkDropped marks a chunk dropped. The index entry is kept as a
// tombstone so chunk IDs are never reused within a hypertable.
func (c *SQLiteCatalog) MarkChunkDropped(ctx context.Context, chunkID string) error {
	return c.updateChunk(ctx, chunkID,
		`UPDATE chunks SET state = 'dropped', object_path = NULL, bloom_data = NULL WHERE chunk_id = ?`,
		chunkID)
}

func (c *SQLiteCatalog) updateChunk(ctx context.Context, chunkID, query string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.NewStorageFailure("failed to update chunk", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("chunk", chunkID)
	}
	return nil
}

// --- Policies ---

// PutPolicy inserts or replaces a policy. last_run is preserved on replace so
// reconfiguring a policy does not make it immediately due.
func (c *SQLiteCatalog) PutPolicy(ctx context.Context, rec PolicyRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO policies (hypertable, kind, name, params_json, interval_ns, last_run)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT (hypertable, kind, name) DO UPDATE SET
			params_json = excluded.params_json,
			interval_ns = excluded.interval_ns`,
		rec.Hypertable, string(rec.Kind), rec.Name, rec.ParamsJSON, int64(rec.Interval))
	if err != nil {
		return errors.NewStorageFailure("failed to store policy", err)
	}
	return nil
}

// DeletePolicy removes a policy.
func (c *SQLiteCatalog) DeletePolicy(ctx context.Context, hypertable string, kind types.PolicyKind, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM policies WHERE hypertable = ? AND kind = ? AND name = ?`,
		hypertable, string(kind), name)
	if err != nil {
		return errors.NewStorageFailure("failed to delete policy", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("policy", fmt.Sprintf("%s/%s/%s", hypertable, kind, name))
	}
	return nil
}

// ListPolicies returns all policies.
func (c *SQLiteCatalog) ListPolicies(ctx context.Context) ([]PolicyRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT hypertable, kind, name, params_json, interval_ns, last_run FROM policies ORDER BY hypertable, kind, name`)
	if err != nil {
		return nil, errors.NewStorageFailure("failed to list policies", err)
	}
	defer rows.Close()

	var out []PolicyRecord
	for rows.Next() {
		var rec PolicyRecord
		var kind string
		var intervalNs, lastRun int64
		if err := rows.Scan(&rec.Hypertable, &kind, &rec.Name, &rec.ParamsJSON, &intervalNs, &lastRun); err != nil {
			return nil, errors.NewStorageFailure("failed to scan policy", err)
		}
		rec.Kind = types.PolicyKind(kind)
		rec.Interval = time.Duration(intervalNs)
		if lastRun > 0 {
			rec.LastRun = time.Unix(0, lastRun)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetPolicyLastRun records a policy's most recent completed run.
func (c *SQLiteCatalog) SetPolicyLastRun(ctx context.Context, hypertable string, kind types.PolicyKind, name string, lastRun time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE policies SET last_run = ? WHERE hypertable = ? AND kind = ? AND name = ?`,
		lastRun.UnixNano(), hypertable, string(kind), name)
	if err != nil {
		return errors.NewStorageFailure("failed to update policy last_run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("policy", fmt.Sprintf("%s/%s/%s", hypertable, kind, name))
	}
	return nil
}

// --- Continuous aggregates ---

// CreateAggregate registers a continuous aggregate with watermark 0.
func (c *SQLiteCatalog) CreateAggregate(ctx context.Context, cfg types.AggregateConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	materializedOnly := 0
	if cfg.MaterializedOnly {
		materializedOnly = 1
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO continuous_aggregates
			(name, hypertable, bucket_width_ns, reducer, refresh_interval_ns, materialized_only, watermark, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		cfg.Name, cfg.Hypertable, int64(cfg.BucketWidth), string(cfg.Reducer),
		int64(cfg.RefreshInterval), materializedOnly, time.Now().UnixNano())
	if err != nil {
		return errors.NewStorageFailure("failed to insert continuous aggregate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewAlreadyExists("continuous aggregate", cfg.Name)
	}
	return nil
}

// GetAggregate fetches a continuous aggregate by name.
func (c *SQLiteCatalog) GetAggregate(ctx context.Context, name string) (*AggregateRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT name, hypertable, bucket_width_ns, reducer, refresh_interval_ns, materialized_only, watermark, created_at
		 FROM continuous_aggregates WHERE name = ?`, name)
	rec, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("continuous aggregate", name)
	}
	if err != nil {
		return nil, errors.NewStorageFailure("failed to read continuous aggregate", err)
	}
	return rec, nil
}

// ListAggregates returns all continuous aggregates.
func (c *SQLiteCatalog) ListAggregates(ctx context.Context) ([]*AggregateRecord, error) {
	return c.listAggregates(ctx,
		`SELECT name, hypertable, bucket_width_ns, reducer, refresh_interval_ns, materialized_only, watermark, created_at
		 FROM continuous_aggregates ORDER BY name`)
}

// ListAggregatesFor returns the continuous aggregates derived from a hypertable.
func (c *SQLiteCatalog) ListAggregatesFor(ctx context.Context, hypertable string) ([]*AggregateRecord, error) {
	return c.listAggregates(ctx,
		`SELECT name, hypertable, bucket_width_ns, reducer, refresh_interval_ns, materialized_only, watermark, created_at
		 FROM continuous_aggregates WHERE hypertable = ? ORDER BY name`, hypertable)
}

func (c *SQLiteCatalog) listAggregates(ctx context.Context, query string, args ...interface{}) ([]*AggregateRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageFailure("failed to list continuous aggregates", err)
	}
	defer rows.Close()

	var out []*AggregateRecord
	for rows.Next() {
		rec, err := scanAggregate(rows)
		if err != nil {
			return nil, errors.NewStorageFailure("failed to scan continuous aggregate", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAggregate(r rowScanner) (*AggregateRecord, error) {
	var rec AggregateRecord
	var bucketNs, refreshNs, createdAt int64
	var reducer string
	var materializedOnly int

	err := r.Scan(&rec.Config.Name, &rec.Config.Hypertable, &bucketNs, &reducer,
		&refreshNs, &materializedOnly, &rec.Watermark, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.Config.BucketWidth = time.Duration(bucketNs)
	rec.Config.Reducer = types.ReducerKind(reducer)
	rec.Config.RefreshInterval = time.Duration(refreshNs)
	rec.Config.MaterializedOnly = materializedOnly != 0
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

// DropAggregate removes a continuous aggregate and its rollup rows.
func (c *SQLiteCatalog) DropAggregate(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageFailure("failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM continuous_aggregates WHERE name = ?`, name)
	if err != nil {
		return errors.NewStorageFailure("failed to delete continuous aggregate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("continuous aggregate", name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rollups WHERE aggregate = ?`, name); err != nil {
		return errors.NewStorageFailure("failed to delete rollup rows", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageFailure("failed to commit aggregate drop", err)
	}
	return nil
}

// --- Rollups ---

// CommitRefresh applies one refresh cycle in a single transaction: delete the
// rollup rows whose bucket start falls in clear, insert the recomputed rows,
// and advance the watermark. The watermark only moves forward.
func (c *SQLiteCatalog) CommitRefresh(ctx context.Context, aggregate string, clear types.TimeRange, rows []RollupRecord, watermark int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageFailure("failed to begin refresh transaction", err)
	}
	defer tx.Rollback()

	if !clear.IsEmpty() {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM rollups WHERE aggregate = ? AND bucket_start >= ? AND bucket_start < ?`,
			aggregate, clear.Start, clear.End)
		if err != nil {
			return errors.NewStorageFailure("failed to clear rollup range", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rollups (aggregate, bucket_start, series_key, row_count, sum, min, max,
			first_value, first_time, first_seq, last_value, last_time, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.NewStorageFailure("failed to prepare rollup insert", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		s := row.State
		_, err := stmt.ExecContext(ctx, aggregate, row.BucketStart, row.SeriesKey,
			s.Count, s.Sum, s.Min, s.Max,
			s.First, s.FirstTime, int64(s.FirstSeq),
			s.Last, s.LastTime, int64(s.LastSeq))
		if err != nil {
			return errors.NewStorageFailure("failed to insert rollup row", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE continuous_aggregates SET watermark = ? WHERE name = ? AND watermark <= ?`,
		watermark, aggregate, watermark)
	if err != nil {
		return errors.NewStorageFailure("failed to advance watermark", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewInternalError(
			fmt.Sprintf("watermark for %q would move backwards to %d", aggregate, watermark), nil)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageFailure("failed to commit refresh", err)
	}
	return nil
}

// ListRollups returns the materialized rollup rows whose bucket start falls
// in r, ordered by (bucket start, series key).
func (c *SQLiteCatalog) ListRollups(ctx context.Context, aggregate string, r types.TimeRange) ([]RollupRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT bucket_start, series_key, row_count, sum, min, max,
			first_value, first_time, first_seq, last_value, last_time, last_seq
		 FROM rollups WHERE aggregate = ? AND bucket_start >= ? AND bucket_start < ?
		 ORDER BY bucket_start, series_key`,
		aggregate, r.Start, r.End)
	if err != nil {
		return nil, errors.NewStorageFailure("failed to list rollups", err)
	}
	defer rows.Close()

	var out []RollupRecord
	for rows.Next() {
		var rec RollupRecord
		var firstSeq, lastSeq int64
		err := rows.Scan(&rec.BucketStart, &rec.SeriesKey,
			&rec.State.Count, &rec.State.Sum, &rec.State.Min, &rec.State.Max,
			&rec.State.First, &rec.State.FirstTime, &firstSeq,
			&rec.State.Last, &rec.State.LastTime, &lastSeq)
		if err != nil {
			return nil, errors.NewStorageFailure("failed to scan rollup row", err)
		}
		rec.State.FirstSeq = uint64(firstSeq)
		rec.State.LastSeq = uint64(lastSeq)
		out = append(out, rec)
	}
	return out, rows.Err()
}
