package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meter (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    total                REAL NOT NULL,
    start_time           TEXT NOT NULL,
    saved_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meter_by_kind (
    kind                 TEXT PRIMARY KEY,
    spent                REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS meter_steps (
    seq                  INTEGER PRIMARY KEY,
    timestamp            TEXT NOT NULL,
    step                 TEXT NOT NULL,
    kind                 TEXT NOT NULL,
    count                REAL NOT NULL,
    cost                 REAL NOT NULL,
    total_after          REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS meter_warnings (
    seq                  INTEGER PRIMARY KEY,
    label                TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_meter_steps_kind ON meter_steps(kind);
`
