package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed StorageAdapter, grounded on the teacher's
// SQLiteStore[S] (graph/store/sqlite.go): single file, WAL mode for
// concurrent readers, auto-migrated schema. It is the durable,
// single-node reference backend — development, single-process deployments,
// and anywhere a shared MemStore is insufficient but a MySQL server is
// overkill.
//
// Per the "cross-session memoization" Open Question decision, SQLiteStore
// does answer GetResult for a call id from a previous session, since the
// calls table is keyed purely by content hash: an identical call replayed in
// a later session against the same database file is a cache hit.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path. Use ":memory:" for an ephemeral, process-local database with the
// same schema as a file-backed one — useful for tests that want SQL
// semantics without a file.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mycelia/store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mycelia/store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			args_blob BLOB,
			kwargs_blob BLOB,
			status INTEGER NOT NULL,
			result_blob BLOB,
			forward_id TEXT,
			error_blob BLOB,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) PutCall(ctx context.Context, rec CallRecord) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, graph_id, node_name, args_blob, kwargs_blob, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.GraphID, rec.NodeName, rec.ArgsBlob, rec.KwargsBlob, int(rec.Status), now, now)
	return err
}

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, graph_id, node_name, args_blob, kwargs_blob, status, created_at, updated_at
		FROM calls WHERE id = ?
	`, id)
	var rec CallRecord
	var status int
	if err := row.Scan(&rec.ID, &rec.GraphID, &rec.NodeName, &rec.ArgsBlob, &rec.KwargsBlob, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	rec.Status = Outcome(status)
	return rec, nil
}

func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Outcome, payload StatusPayload) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls
		SET status = ?, result_blob = ?, forward_id = ?, error_blob = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, int(to), payload.ResultBlob, payload.ForwardID, payload.ErrorBlob, time.Now(), id, int(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, id string) (Outcome, []byte, string, []byte, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, result_blob, forward_id, error_blob FROM calls WHERE id = ?
	`, id)
	var status int
	var resultBlob, errorBlob []byte
	var forwardID sql.NullString
	if err := row.Scan(&status, &resultBlob, &forwardID, &errorBlob); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, "", nil, ErrNotFound
		}
		return 0, nil, "", nil, err
	}
	return Outcome(status), resultBlob, forwardID.String, errorBlob, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
