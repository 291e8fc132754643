package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jmoiron/sqlx"

	"github.com/arcsync/arcsync/internal/db"
	"github.com/arcsync/arcsync/internal/snapshot"
)

var (
	ErrNotInitialized   = errors.New("journal: source not initialized")
	ErrEndpointMismatch = errors.New("journal: source is bound to another endpoint")
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	endpoint TEXT NOT NULL,
	source_id TEXT NOT NULL,
	policy TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	commit_id TEXT NOT NULL,
	pending INTEGER NOT NULL DEFAULT 0,
	needs_rehash INTEGER NOT NULL DEFAULT 0,
	readopt INTEGER NOT NULL DEFAULT 0,
	last_sync TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS entries (
	path TEXT PRIMARY KEY,
	kind INTEGER NOT NULL,
	hash TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	mtime INTEGER NOT NULL DEFAULT 0,
	target TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS phantoms (
	path TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS failures (
	path TEXT PRIMARY KEY,
	op TEXT NOT NULL,
	error TEXT NOT NULL,
	version INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
);
`

// Meta is the confirmed sync state of a source plus what the last run left
// behind.
type Meta struct {
	Endpoint string `db:"endpoint"`
	SourceID string `db:"source_id"`
	Policy   string `db:"policy"`
	Version  uint64 `db:"version"`
	CommitID string `db:"commit_id"`
	// Pending is the server version a run was applying when it stopped.
	Pending uint64 `db:"pending"`
	// NeedsRehash is set after a protocol mismatch.
	NeedsRehash bool `db:"needs_rehash"`
	// Readopt is set after a version conflict: the next run starts from an
	// empty base.
	Readopt  bool   `db:"readopt"`
	LastSync string `db:"last_sync"`
}

// LastSyncTime parses LastSync. It is zero before the first commit.
func (m *Meta) LastSyncTime() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, m.LastSync)
	return t
}

// Failure is a path a run could not apply.
type Failure struct {
	Path      string `db:"path"`
	Op        string `db:"op"`
	Error     string `db:"error"`
	Version   uint64 `db:"version"`
	Attempts  int    `db:"attempts"`
	UpdatedAt string `db:"updated_at"`
}

// Commit is the new confirmed state written after a fully applied response.
type Commit struct {
	Base     *snapshot.Snapshot
	Policy   string
	Phantoms []string
}

// Journal persists the confirmed base of one source in SQLite.
type Journal struct {
	db     *sqlx.DB
	dbPath string
}

// Open opens or creates the journal at dbPath. ":memory:" keeps it in memory.
func Open(dbPath string) (*Journal, error) {
	conn, err := db.Open(context.Background(), dbPath, db.SingleConn(), db.Migrations(schema))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: conn, dbPath: dbPath}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		slog.Error("failed to close journal", "path", j.dbPath, "error", err)
		return err
	}
	return nil
}

// Init binds the journal to endpoint. Re-initializing with the same
// endpoint is a no-op.
func (j *Journal) Init(ctx context.Context, endpoint, sourceID string) error {
	meta, err := j.Meta(ctx)
	switch {
	case err == nil:
		if meta.Endpoint != endpoint {
			return fmt.Errorf("%w: %q", ErrEndpointMismatch, meta.Endpoint)
		}
		return nil
	case !errors.Is(err, ErrNotInitialized):
		return err
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO meta (id, endpoint, source_id, commit_id) VALUES (1, ?, ?, ?)`,
		endpoint, sourceID, snapshot.NullCommitID)
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	return nil
}

func (j *Journal) Meta(ctx context.Context) (*Meta, error) {
	var m Meta
	err := j.db.GetContext(ctx, &m,
		`SELECT endpoint, source_id, policy, version, commit_id, pending, needs_rehash, readopt, last_sync
		 FROM meta WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	return &m, nil
}

// Base loads the confirmed snapshot.
func (j *Journal) Base(ctx context.Context) (*snapshot.Snapshot, error) {
	meta, err := j.Meta(ctx)
	if err != nil {
		return nil, err
	}
	records, err := j.records(ctx, j.db)
	if err != nil {
		return nil, err
	}
	return snapshot.FromRecords(meta.Version, meta.CommitID, records)
}

func (j *Journal) records(ctx context.Context, q sqlx.QueryerContext) ([]snapshot.Record, error) {
	var records []snapshot.Record
	if err := sqlx.SelectContext(ctx, q, &records,
		"SELECT path, kind, hash, size, mtime, target FROM entries"); err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	return records, nil
}

func (j *Journal) Phantoms(ctx context.Context) (mapset.Set[string], error) {
	var paths []string
	if err := j.db.SelectContext(ctx, &paths, "SELECT path FROM phantoms"); err != nil {
		return nil, fmt.Errorf("load phantoms: %w", err)
	}
	return mapset.NewThreadUnsafeSet(paths...), nil
}

func (j *Journal) Failures(ctx context.Context) ([]Failure, error) {
	var out []Failure
	if err := j.db.SelectContext(ctx, &out, "SELECT * FROM failures ORDER BY path"); err != nil {
		return nil, fmt.Errorf("load failures: %w", err)
	}
	return out, nil
}

// SetPending records the server version being applied.
func (j *Journal) SetPending(ctx context.Context, version uint64) error {
	if _, err := j.db.ExecContext(ctx, "UPDATE meta SET pending = ? WHERE id = 1", version); err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	return nil
}

// SetRecovery stores what the next run must do before scanning.
func (j *Journal) SetRecovery(ctx context.Context, needsRehash, readopt bool) error {
	_, err := j.db.ExecContext(ctx,
		"UPDATE meta SET needs_rehash = ?, readopt = ? WHERE id = 1", needsRehash, readopt)
	if err != nil {
		return fmt.Errorf("set recovery flags: %w", err)
	}
	return nil
}

// RecordFailures replaces the failure list. Paths that failed before count
// another attempt.
func (j *Journal) RecordFailures(ctx context.Context, version uint64, failures []Failure) error {
	prev, err := j.Failures(ctx)
	if err != nil {
		return err
	}
	attempts := make(map[string]int, len(prev))
	for _, f := range prev {
		attempts[f.Path] = f.Attempts
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	return db.InTx(ctx, j.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM failures"); err != nil {
			return fmt.Errorf("clear failures: %w", err)
		}
		for _, f := range failures {
			f.Version = version
			f.Attempts = attempts[f.Path] + 1
			f.UpdatedAt = ts
			if _, err := tx.NamedExecContext(ctx,
				`INSERT OR REPLACE INTO failures (path, op, error, version, attempts, updated_at)
				 VALUES (:path, :op, :error, :version, :attempts, :updated_at)`, f); err != nil {
				return fmt.Errorf("record failure %q: %w", f.Path, err)
			}
		}
		return nil
	})
}

// Commit makes c.Base the confirmed base, replaces the phantom set and
// clears pending state, recovery flags and failures in one transaction.
func (j *Journal) Commit(ctx context.Context, c Commit) error {
	next := c.Base.Records()
	return db.InTx(ctx, j.db, func(tx *sqlx.Tx) error {
		stored, err := j.records(ctx, tx)
		if err != nil {
			return err
		}
		old := make(map[string]snapshot.Record, len(stored))
		for _, r := range stored {
			old[r.Path] = r
		}

		for _, r := range next {
			if prev, ok := old[r.Path]; ok {
				delete(old, r.Path)
				if prev == r {
					continue
				}
			}
			if _, err := tx.NamedExecContext(ctx,
				`INSERT OR REPLACE INTO entries (path, kind, hash, size, mtime, target)
				 VALUES (:path, :kind, :hash, :size, :mtime, :target)`, r); err != nil {
				return fmt.Errorf("upsert entry %q: %w", r.Path, err)
			}
		}
		for p := range old {
			if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE path = ?", p); err != nil {
				return fmt.Errorf("delete entry %q: %w", p, err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM phantoms"); err != nil {
			return fmt.Errorf("clear phantoms: %w", err)
		}
		for _, p := range c.Phantoms {
			if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO phantoms (path) VALUES (?)", p); err != nil {
				return fmt.Errorf("insert phantom %q: %w", p, err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM failures"); err != nil {
			return fmt.Errorf("clear failures: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE meta SET version = ?, commit_id = ?, policy = ?, pending = 0,
			 needs_rehash = 0, readopt = 0, last_sync = ? WHERE id = 1`,
			c.Base.Version, c.Base.CommitID, c.Policy, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("update meta: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotInitialized
		}
		return nil
	})
}
