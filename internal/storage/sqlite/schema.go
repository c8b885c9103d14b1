package sqlite

// schema initializes the tracker database. Children are stored comma-joined
// to mirror the plain-text record format; needs_interview is NULL until
// triage decides, preserving the unset/true/false distinction.
const schema = `
CREATE TABLE IF NOT EXISTS issues (
    id               TEXT PRIMARY KEY,
    title            TEXT NOT NULL,
    state            TEXT NOT NULL,
    parent           TEXT NOT NULL DEFAULT '',
    children         TEXT NOT NULL DEFAULT '',
    split_count      INTEGER NOT NULL DEFAULT 0,
    verify_count     INTEGER NOT NULL DEFAULT 0,
    verify_exhausted INTEGER NOT NULL DEFAULT 0,
    needs_interview  INTEGER,
    is_verify_fix    INTEGER NOT NULL DEFAULT 0,
    body             TEXT NOT NULL DEFAULT '',
    input_tokens     INTEGER NOT NULL DEFAULT 0,
    output_tokens    INTEGER NOT NULL DEFAULT 0,
    total_duration   INTEGER NOT NULL DEFAULT 0,
    iterations       INTEGER NOT NULL DEFAULT 0,
    run_count        INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_state  ON issues(state);
CREATE INDEX IF NOT EXISTS idx_issues_parent ON issues(parent);
`
