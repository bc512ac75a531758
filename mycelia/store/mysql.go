package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed StorageAdapter, grounded on the
// teacher's MySQLStore[S] (graph/store/mysql.go): connection pooling,
// INSERT ... ON DUPLICATE KEY for the content-addressed PutCall, and an
// UPDATE ... WHERE status = ? compare-and-swap for terminal transitions.
// This is the multi-process reference backend — several Session processes
// sharing one store, the deployment shape the in-process MemStore cannot
// serve.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a MySQL-backed store using dsn (see the
// go-sql-driver/mysql DSN format). Credentials belong in the DSN via an
// environment variable at the call site, never hardcoded.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mycelia/store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mycelia/store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS calls (
			id VARCHAR(128) PRIMARY KEY,
			graph_id VARCHAR(255) NOT NULL,
			node_name VARCHAR(255) NOT NULL,
			args_blob LONGBLOB,
			kwargs_blob LONGBLOB,
			status INT NOT NULL,
			result_blob LONGBLOB,
			forward_id VARCHAR(128),
			error_blob LONGBLOB,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		) ENGINE=InnoDB
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *MySQLStore) PutCall(ctx context.Context, rec CallRecord) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, graph_id, node_name, args_blob, kwargs_blob, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, rec.ID, rec.GraphID, rec.NodeName, rec.ArgsBlob, rec.KwargsBlob, int(rec.Status), now, now)
	return err
}

func (s *MySQLStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
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

func (s *MySQLStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Outcome, payload StatusPayload) (bool, error) {
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

func (s *MySQLStore) GetResult(ctx context.Context, id string) (Outcome, []byte, string, []byte, error) {
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

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }
