// Package catalog provides the SQLite-backed metadata catalog: hypertable
// definitions, the chunk index, policy state, and continuous-aggregate
// metadata including watermarks and materialized rollup rows. The catalog is
// the source of truth the engine recovers from on startup.
package catalog

// CreateHypertablesTableSQL stores hypertable definitions.
const CreateHypertablesTableSQL = `
CREATE TABLE IF NOT EXISTS hypertables (
    name TEXT PRIMARY KEY,
    time_column TEXT NOT NULL,
    chunk_interval_ns INTEGER NOT NULL CHECK (chunk_interval_ns > 0),
    created_at INTEGER NOT NULL
)`

// CreateChunksTableSQL is the chunk index: one row per chunk with its
// half-open time range, storage state, and, once compressed, the object path
// of the columnar segment plus its series-key bloom filter.
const CreateChunksTableSQL = `
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    hypertable TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    row_count INTEGER NOT NULL DEFAULT 0,
    object_path TEXT,
    bloom_data BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (hypertable) REFERENCES hypertables(name)
)`

// CreateChunksIndexesSQL supports chunk exclusion and per-hypertable sweeps.
var CreateChunksIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_chunks_range ON chunks(hypertable, start_time, end_time)
		WHERE state != 'dropped'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_start ON chunks(hypertable, start_time)
		WHERE state != 'dropped'`,
}

// CreatePoliciesTableSQL stores compression/retention/refresh policies with
// their scheduler bookkeeping (last_run).
const CreatePoliciesTableSQL = `
CREATE TABLE IF NOT EXISTS policies (
    hypertable TEXT NOT NULL,
    kind TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    params_json TEXT NOT NULL,
    interval_ns INTEGER NOT NULL,
    last_run INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (hypertable, kind, name)
)`

// CreateAggregatesTableSQL stores continuous-aggregate metadata. The
// watermark is the highest base-table time fully accounted for in the rollup.
const CreateAggregatesTableSQL = `
CREATE TABLE IF NOT EXISTS continuous_aggregates (
    name TEXT PRIMARY KEY,
    hypertable TEXT NOT NULL,
    bucket_width_ns INTEGER NOT NULL CHECK (bucket_width_ns > 0),
    reducer TEXT NOT NULL,
    refresh_interval_ns INTEGER NOT NULL,
    materialized_only INTEGER NOT NULL DEFAULT 0,
    watermark INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (hypertable) REFERENCES hypertables(name)
)`

// CreateRollupsTableSQL stores the materialized rollup rows, keyed by
// (aggregate, bucket start, series key). The full partial state is stored so
// any reducer value can be derived and avg never degrades into a running mean.
const CreateRollupsTableSQL = `
CREATE TABLE IF NOT EXISTS rollups (
    aggregate TEXT NOT NULL,
    bucket_start INTEGER NOT NULL,
    series_key TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    sum REAL NOT NULL,
    min REAL NOT NULL,
    max REAL NOT NULL,
    first_value REAL NOT NULL,
    first_time INTEGER NOT NULL,
    first_seq INTEGER NOT NULL,
    last_value REAL NOT NULL,
    last_time INTEGER NOT NULL,
    last_seq INTEGER NOT NULL,
    PRIMARY KEY (aggregate, bucket_start, series_key),
    FOREIGN KEY (aggregate) REFERENCES continuous_aggregates(name)
)`

// CreateRollupsIndexSQL supports range reads over materialized buckets.
const CreateRollupsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_rollups_bucket ON rollups(aggregate, bucket_start)`

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateHypertablesTableSQL,
		CreateChunksTableSQL,
	}
	stmts = append(stmts, CreateChunksIndexesSQL...)
	stmts = append(stmts,
		CreatePoliciesTableSQL,
		CreateAggregatesTableSQL,
		CreateRollupsTableSQL,
		CreateRollupsIndexSQL,
	)
	return stmts
}
