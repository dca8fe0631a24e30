package peerstore

// Schema contains the SQL statements to create the peer database schema.
const Schema = `
-- Peers table: one row per registered node address
CREATE TABLE IF NOT EXISTS peers (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    node_id       TEXT NOT NULL DEFAULT '',
    ip            TEXT NOT NULL,
    port          INTEGER NOT NULL,
    load          REAL,
    registered_at INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL,
    UNIQUE (ip, port)
);

CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
`
