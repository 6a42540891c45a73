package store

const schema = `
CREATE TABLE IF NOT EXISTS exams (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	title            TEXT NOT NULL,
	template_version TEXT NOT NULL,
	keys_json        TEXT NOT NULL,
	scheme_json      TEXT NOT NULL,
	finalized        INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME
);

CREATE TABLE IF NOT EXISTS scan_batches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id    INTEGER NOT NULL REFERENCES exams(id),
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_jobs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id           INTEGER NOT NULL REFERENCES scan_batches(id),
	exam_id            INTEGER NOT NULL REFERENCES exams(id),
	source_file_key    TEXT NOT NULL,
	set_label_override TEXT,
	rotation_hint      INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL,
	error_code         TEXT,
	error_message      TEXT,
	token_charged      INTEGER NOT NULL DEFAULT 0,
	review_required    INTEGER NOT NULL DEFAULT 0,
	worker_id          TEXT,
	sheet_id           INTEGER REFERENCES sheet_results(id),
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME
);

CREATE INDEX IF NOT EXISTS scan_jobs_queue ON scan_jobs(status, id);
CREATE INDEX IF NOT EXISTS scan_jobs_batch ON scan_jobs(batch_id);

CREATE TABLE IF NOT EXISTS sheet_results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id     INTEGER NOT NULL REFERENCES exams(id),
	job_id      INTEGER UNIQUE REFERENCES scan_jobs(id),
	detail_json TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME
);

CREATE TABLE IF NOT EXISTS wallet_ledger (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	direction      TEXT NOT NULL,
	reason         TEXT NOT NULL,
	reference_type TEXT NOT NULL,
	reference_id   TEXT NOT NULL,
	delta          INTEGER NOT NULL,
	before_balance INTEGER NOT NULL,
	after_balance  INTEGER NOT NULL,
	created_at     DATETIME NOT NULL,
	UNIQUE (reference_type, reference_id, direction)
);
`
