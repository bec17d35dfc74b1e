package cache

// SQL schema for the store's three tables: results, claims, deps.

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

const schemaResults = `
CREATE TABLE IF NOT EXISTS results (
    fingerprint TEXT PRIMARY KEY,
    rule TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    value BLOB NOT NULL,
    created_at TEXT NOT NULL
);
`

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    fingerprint TEXT PRIMARY KEY,
    worker TEXT NOT NULL,
    heartbeat TEXT NOT NULL
);
`

// deps is a write-only hint table for external incremental-demand tooling;
// the core never reads it back (see DESIGN.md).
const schemaDeps = `
CREATE TABLE IF NOT EXISTS deps (
    parent TEXT NOT NULL,
    child TEXT NOT NULL,
    PRIMARY KEY (parent, child)
);
CREATE INDEX IF NOT EXISTS idx_deps_parent ON deps(parent);
`

var allSchemas = []string{schemaResults, schemaClaims, schemaDeps}
