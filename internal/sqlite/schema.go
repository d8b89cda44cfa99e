// Package sqlite implements the Store contract on SQLite (modernc.org/sqlite,
// pure Go). The database file is the source of truth; JSONL export and import
// live in the jsonl package and work for every backend.
package sqlite

// Schema DDL. Times are stored as RFC 3339 text with nanoseconds; property
// maps and working copy snapshots are stored as JSON text.
const (
	createTrees = `CREATE TABLE IF NOT EXISTS trees (
    tree_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    root_node_id TEXT NOT NULL,
    trash_node_id TEXT NOT NULL,
    created_at TEXT NOT NULL
);`

	createNodes = `CREATE TABLE IF NOT EXISTS nodes (
    node_id TEXT PRIMARY KEY,
    tree_id TEXT NOT NULL,
    parent_node_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    node_type TEXT NOT NULL,
    position REAL NOT NULL,
    properties TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    version INTEGER NOT NULL
);`

	createWorkingCopies = `CREATE TABLE IF NOT EXISTS working_copies (
    working_copy_id TEXT PRIMARY KEY,
    working_copy_of TEXT,
    node TEXT NOT NULL,
    base_version INTEGER NOT NULL,
    copied_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    is_dirty INTEGER NOT NULL
);`

	createTrashRecords = `CREATE TABLE IF NOT EXISTS trash_records (
    node_id TEXT PRIMARY KEY,
    tree_id TEXT NOT NULL,
    original_parent_id TEXT NOT NULL,
    original_position REAL NOT NULL,
    trashed_at TEXT NOT NULL
);`
)

// Index DDL. idx_working_copies_target enforces one live working copy per
// node; drafts have a NULL target and are exempt.
const (
	idxNodesParent         = `CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_node_id);`
	idxNodesTree           = `CREATE INDEX IF NOT EXISTS idx_nodes_tree ON nodes(tree_id);`
	idxWorkingCopiesTarget = `CREATE UNIQUE INDEX IF NOT EXISTS idx_working_copies_target ON working_copies(working_copy_of) WHERE working_copy_of IS NOT NULL;`
	idxTrashRecordsTree    = `CREATE INDEX IF NOT EXISTS idx_trash_records_tree ON trash_records(tree_id, trashed_at);`
)

// schemaDDL lists every statement run on Attach, tables before indexes.
var schemaDDL = []string{
	createTrees,
	createNodes,
	createWorkingCopies,
	createTrashRecords,
	idxNodesParent,
	idxNodesTree,
	idxWorkingCopiesTarget,
	idxTrashRecordsTree,
}
