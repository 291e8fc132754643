package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/arcsync/arcsync/internal/db"
	"github.com/arcsync/arcsync/internal/snapshot"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS endpoints (
	name TEXT PRIMARY KEY,
	policy TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	commit_id TEXT NOT NULL,
	halted INTEGER NOT NULL DEFAULT 0,
	halt_reason TEXT NOT NULL DEFAULT '',
	pending INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	endpoint TEXT NOT NULL,
	path TEXT NOT NULL,
	kind INTEGER NOT NULL,
	hash TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	mtime INTEGER NOT NULL DEFAULT 0,
	target TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (endpoint, path)
);

CREATE TABLE IF NOT EXISTS commits (
	endpoint TEXT NOT NULL,
	version INTEGER NOT NULL,
	commit_id TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	delta BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (endpoint, version)
);
`

type endpointRow struct {
	Name       string `db:"name"`
	Policy     string `db:"policy"`
	Version    uint64 `db:"version"`
	CommitID   string `db:"commit_id"`
	Halted     bool   `db:"halted"`
	HaltReason string `db:"halt_reason"`
	// Pending is the version whose tree mutations may not be on disk yet.
	Pending   uint64 `db:"pending"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

type commitRow struct {
	Endpoint  string `db:"endpoint"`
	Version   uint64 `db:"version"`
	CommitID  string `db:"commit_id"`
	Source    string `db:"source"`
	Delta     []byte `db:"delta"`
	CreatedAt string `db:"created_at"`
}

func (c *commitRow) delta() (snapshot.Delta, error) {
	var records []snapshot.ChangeRecord
	if err := msgpack.Unmarshal(c.Delta, &records); err != nil {
		return nil, fmt.Errorf("decode commit %d: %w", c.Version, err)
	}
	return snapshot.DeltaFromRecords(records)
}

// store keeps endpoint heads, snapshot rows and the commit log.
type store struct {
	db *sqlx.DB
}

func openStore(ctx context.Context, path string) (*store, error) {
	conn, err := db.Open(ctx, path, db.Migrations(schemaSQL))
	if err != nil {
		return nil, err
	}
	return &store{db: conn}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *store) createEndpoint(ctx context.Context, name, policy string) error {
	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO endpoints (name, policy, version, commit_id, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?, ?)`,
		name, policy, snapshot.NullCommitID, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("create endpoint %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrEndpointExists, name)
	}
	return nil
}

func (s *store) endpoint(ctx context.Context, name string) (*endpointRow, error) {
	var row endpointRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM endpoints WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrEndpointNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load endpoint %q: %w", name, err)
	}
	return &row, nil
}

func (s *store) endpoints(ctx context.Context) ([]endpointRow, error) {
	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM endpoints ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return rows, nil
}

func (s *store) entries(ctx context.Context, name string) ([]snapshot.Record, error) {
	var records []snapshot.Record
	err := s.db.SelectContext(ctx, &records,
		"SELECT path, kind, hash, size, mtime, target FROM entries WHERE endpoint = ?", name)
	if err != nil {
		return nil, fmt.Errorf("load entries of %q: %w", name, err)
	}
	return records, nil
}

func (s *store) commit(ctx context.Context, name string, version uint64) (*commitRow, error) {
	var row commitRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM commits WHERE endpoint = ? AND version = ?", name, version)
	if err != nil {
		return nil, fmt.Errorf("load commit %d of %q: %w", version, name, err)
	}
	return &row, nil
}

// commitsAfter returns the commits with version > after, oldest first.
func (s *store) commitsAfter(ctx context.Context, name string, after uint64) ([]commitRow, error) {
	var rows []commitRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM commits WHERE endpoint = ? AND version > ? ORDER BY version", name, after)
	if err != nil {
		return nil, fmt.Errorf("load commits of %q: %w", name, err)
	}
	return rows, nil
}

// appendCommit stores the commit, its snapshot rows and the new head in one
// transaction. The new version stays pending until markApplied.
func (s *store) appendCommit(ctx context.Context, name string, prev uint64, c *commitRow, delta snapshot.Delta) error {
	data, err := msgpack.Marshal(delta.Records())
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	c.Delta = data
	c.CreatedAt = now()

	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE endpoints SET version = ?, commit_id = ?, pending = ?, updated_at = ?
			 WHERE name = ? AND version = ? AND halted = 0`,
			c.Version, c.CommitID, c.Version, c.CreatedAt, name, prev)
		if err != nil {
			return fmt.Errorf("update head: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: head of %q moved past %d", ErrVersionConflict, name, prev)
		}

		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO commits (endpoint, version, commit_id, source, delta, created_at)
			 VALUES (:endpoint, :version, :commit_id, :source, :delta, :created_at)`, c); err != nil {
			return fmt.Errorf("insert commit: %w", err)
		}

		for _, p := range delta.Paths() {
			ch := delta[p]
			if ch.New == nil {
				if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE endpoint = ? AND path = ?", name, p); err != nil {
					return fmt.Errorf("delete entry %q: %w", p, err)
				}
				continue
			}
			r := snapshot.ToRecord(p, ch.New)
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO entries (endpoint, path, kind, hash, size, mtime, target)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				name, r.Path, int(r.Kind), r.Hash, r.Size, r.ModTime, r.Target); err != nil {
				return fmt.Errorf("upsert entry %q: %w", p, err)
			}
		}
		return nil
	})
}

func (s *store) markApplied(ctx context.Context, name string, version uint64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE endpoints SET pending = 0 WHERE name = ? AND pending = ?", name, version)
	return err
}

func (s *store) setHalted(ctx context.Context, name string, halted bool, reason string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE endpoints SET halted = ?, halt_reason = ?, updated_at = ? WHERE name = ?",
		halted, reason, now(), name)
	if err != nil {
		return fmt.Errorf("update halt flag of %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrEndpointNotFound, name)
	}
	return nil
}

// release clears the halt flag and any pending marker.
func (s *store) release(ctx context.Context, name string) error {
	if err := s.setHalted(ctx, name, false, ""); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "UPDATE endpoints SET pending = 0 WHERE name = ?", name)
	return err
}
