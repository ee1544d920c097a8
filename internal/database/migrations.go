package database

import (
	"context"
	"fmt"
)

// migration is one numbered schema migration. Migrations are applied in
// order inside a transaction each; the applied version is tracked in
// schema_version.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "base schema",
		sql: `
CREATE TABLE IF NOT EXISTS recordings (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    filename         TEXT NOT NULL,
    filepath         TEXT NOT NULL,
    title            TEXT,
    duration_seconds REAL NOT NULL DEFAULT 0,
    recorded_at      INTEGER NOT NULL,  -- unix milliseconds
    imported_at      INTEGER NOT NULL,  -- unix milliseconds
    word_count       INTEGER NOT NULL DEFAULT 0,
    has_diarization  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_recordings_recorded_at ON recordings (recorded_at);

CREATE TABLE IF NOT EXISTS segments (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id INTEGER NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
    start_time   REAL NOT NULL,
    end_time     REAL NOT NULL,
    text         TEXT NOT NULL,
    speaker      TEXT
);

CREATE INDEX IF NOT EXISTS idx_segments_recording ON segments (recording_id, start_time);

CREATE TABLE IF NOT EXISTS words (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id INTEGER NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
    segment_id   INTEGER REFERENCES segments(id) ON DELETE CASCADE,
    word         TEXT NOT NULL,
    start_time   REAL NOT NULL,
    end_time     REAL NOT NULL,
    confidence   REAL
);

CREATE INDEX IF NOT EXISTS idx_words_recording ON words (recording_id, start_time);
CREATE INDEX IF NOT EXISTS idx_words_segment ON words (segment_id);
`,
	},
	{
		version: 2,
		name:    "words full-text index",
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS words_fts USING fts5(
    word,
    content='words',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS words_fts_ai AFTER INSERT ON words BEGIN
    INSERT INTO words_fts(rowid, word) VALUES (new.id, new.word);
END;
CREATE TRIGGER IF NOT EXISTS words_fts_ad AFTER DELETE ON words BEGIN
    INSERT INTO words_fts(words_fts, rowid, word) VALUES ('delete', old.id, old.word);
END;
CREATE TRIGGER IF NOT EXISTS words_fts_au AFTER UPDATE ON words BEGIN
    INSERT INTO words_fts(words_fts, rowid, word) VALUES ('delete', old.id, old.word);
    INSERT INTO words_fts(rowid, word) VALUES (new.id, new.word);
END;
`,
	},
	{
		version: 3,
		name:    "recording summaries",
		sql: `
ALTER TABLE recordings ADD COLUMN summary TEXT;
ALTER TABLE recordings ADD COLUMN summary_model TEXT;
`,
	},
	{
		version: 4,
		name:    "recording metadata full-text index",
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS recordings_fts USING fts5(
    title,
    summary,
    filename,
    content='recordings',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS recordings_fts_ai AFTER INSERT ON recordings BEGIN
    INSERT INTO recordings_fts(rowid, title, summary, filename)
    VALUES (new.id, coalesce(new.title, ''), coalesce(new.summary, ''), new.filename);
END;
CREATE TRIGGER IF NOT EXISTS recordings_fts_ad AFTER DELETE ON recordings BEGIN
    INSERT INTO recordings_fts(recordings_fts, rowid, title, summary, filename)
    VALUES ('delete', old.id, coalesce(old.title, ''), coalesce(old.summary, ''), old.filename);
END;
CREATE TRIGGER IF NOT EXISTS recordings_fts_au AFTER UPDATE ON recordings BEGIN
    INSERT INTO recordings_fts(recordings_fts, rowid, title, summary, filename)
    VALUES ('delete', old.id, coalesce(old.title, ''), coalesce(old.summary, ''), old.filename);
    INSERT INTO recordings_fts(rowid, title, summary, filename)
    VALUES (new.id, coalesce(new.title, ''), coalesce(new.summary, ''), new.filename);
END;
`,
	},
}

// Migrate applies pending migrations in order. Failure is fatal to the
// caller: the application's queries depend on the final schema.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.writer.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.writer.QueryRowContext(ctx,
		`SELECT coalesce(max(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.writer.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %03d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %03d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		db.log.Info().Int("version", m.version).Str("name", m.name).Msg("schema migration applied")
		applied++
	}

	if applied > 0 {
		db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.reader.QueryRowContext(ctx,
		`SELECT coalesce(max(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}
