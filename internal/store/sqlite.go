package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // serializes request and approval writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS extension_requests (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		email TEXT NOT NULL,
		status TEXT NOT NULL,
		queries_granted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_pending
		ON extension_requests(session_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_requests_created ON extension_requests(created_at);

	CREATE TABLE IF NOT EXISTS approved_resets (
		session_id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		email TEXT NOT NULL,
		approved_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. An unreadable row is logged and
// treated as absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		s.logger.Warn("discarding unreadable session", "session_id", sessionID, "error", err)
		return nil, nil
	}
	session.ID = sessionID
	return &session, nil
}

// SaveSession creates or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	query := `
	INSERT INTO sessions (session_id, data, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "save session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, string(data), session.CreatedAt.Unix(), session.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return shared.RetryOnConflict(ctx, "delete session", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// CleanupExpiredSessions removes sessions older than TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

const selectRequest = `
	SELECT request_id, session_id, email, status, queries_granted, created_at, resolved_at
	FROM extension_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.ExtensionRequest, error) {
	var req domain.ExtensionRequest
	var status string
	var createdAt int64
	var resolvedAt sql.NullInt64

	if err := row.Scan(
		&req.RequestID, &req.SessionID, &req.Email, &status,
		&req.QueriesGranted, &createdAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	req.Status = domain.RequestStatus(status)
	req.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		ts := time.Unix(resolvedAt.Int64, 0)
		req.ResolvedAt = &ts
	}
	return &req, nil
}

// CreateRequest inserts a new pending request.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *domain.ExtensionRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO extension_requests (request_id, session_id, email, status, queries_granted, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create request", func() error {
		_, err := s.db.ExecContext(ctx, query,
			req.RequestID, req.SessionID, req.Email, string(domain.StatusPending),
			req.QueriesGranted, req.CreatedAt.Unix())
		if shared.IsSQLiteUniqueError(err) {
			return domain.ErrAlreadyPending
		}
		if err != nil {
			return fmt.Errorf("insert extension request: %w", err)
		}
		return nil
	})
}

// GetRequest retrieves a request by id.
func (s *SQLiteStore) GetRequest(ctx context.Context, requestID string) (*domain.ExtensionRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, selectRequest+` WHERE request_id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan extension request: %w", err)
	}
	return req, nil
}

// PendingRequest returns the session's pending request.
func (s *SQLiteStore) PendingRequest(ctx context.Context, sessionID string) (*domain.ExtensionRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx,
		selectRequest+` WHERE session_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		sessionID, string(domain.StatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending request: %w", err)
	}
	return req, nil
}

// ListRequests returns requests newest first, optionally filtered by status.
func (s *SQLiteStore) ListRequests(ctx context.Context, status domain.RequestStatus) ([]*domain.ExtensionRequest, error) {
	query := selectRequest
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query extension requests: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close extension request rows", "error", closeErr)
		}
	}()

	var out []*domain.ExtensionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan extension request row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extension requests: %w", err)
	}
	return out, nil
}

// ApproveRequest resolves a pending request and records the session's
// approval in one transaction.
func (s *SQLiteStore) ApproveRequest(ctx context.Context, requestID string, granted int, at time.Time) (*domain.ExtensionRequest, error) {
	var resolved *domain.ExtensionRequest
	err := s.resolve(ctx, "approve request", func(tx *sql.Tx) error {
		req, err := pendingRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE extension_requests SET status = ?, queries_granted = ?, resolved_at = ? WHERE request_id = ?`,
			string(domain.StatusApproved), granted, at.Unix(), requestID); err != nil {
			return fmt.Errorf("update extension request: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsertApproval,
			req.SessionID, req.RequestID, req.Email, at.Unix()); err != nil {
			return fmt.Errorf("upsert approved reset: %w", err)
		}

		req.Status = domain.StatusApproved
		req.QueriesGranted = granted
		ts := time.Unix(at.Unix(), 0)
		req.ResolvedAt = &ts
		resolved = req
		return nil
	})
	return resolved, err
}

// DenyRequest resolves a pending request as denied.
func (s *SQLiteStore) DenyRequest(ctx context.Context, requestID string, at time.Time) (*domain.ExtensionRequest, error) {
	var resolved *domain.ExtensionRequest
	err := s.resolve(ctx, "deny request", func(tx *sql.Tx) error {
		req, err := pendingRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE extension_requests SET status = ?, resolved_at = ? WHERE request_id = ?`,
			string(domain.StatusDenied), at.Unix(), requestID); err != nil {
			return fmt.Errorf("update extension request: %w", err)
		}

		req.Status = domain.StatusDenied
		ts := time.Unix(at.Unix(), 0)
		req.ResolvedAt = &ts
		resolved = req
		return nil
	})
	return resolved, err
}

func (s *SQLiteStore) resolve(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, name, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func pendingRequest(ctx context.Context, tx *sql.Tx, requestID string) (*domain.ExtensionRequest, error) {
	req, err := scanRequest(tx.QueryRowContext(ctx, selectRequest+` WHERE request_id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan extension request: %w", err)
	}
	if !req.IsPending() {
		return nil, domain.ErrAlreadyResolved
	}
	return req, nil
}

const upsertApproval = `
	INSERT INTO approved_resets (session_id, request_id, email, approved_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		request_id = excluded.request_id,
		email = excluded.email,
		approved_at = excluded.approved_at`

// PutApproval creates or overwrites a session's approval.
func (s *SQLiteStore) PutApproval(ctx context.Context, approval *domain.ApprovedReset) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, "put approval", func() error {
		_, err := s.db.ExecContext(ctx, upsertApproval,
			approval.SessionID, approval.RequestID, approval.Email, approval.ApprovedAt.Unix())
		if err != nil {
			return fmt.Errorf("upsert approved reset: %w", err)
		}
		return nil
	})
}

// ConsumeApproval deletes and returns the session's approval in a single
// statement, so two concurrent turns cannot both observe it.
func (s *SQLiteStore) ConsumeApproval(ctx context.Context, sessionID string) (*domain.ApprovedReset, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var approval *domain.ApprovedReset
	err := shared.RetryOnConflict(ctx, "consume approval", func() error {
		var requestID, email string
		var approvedAt int64
		err := s.db.QueryRowContext(ctx,
			`DELETE FROM approved_resets WHERE session_id = ? RETURNING request_id, email, approved_at`,
			sessionID).Scan(&requestID, &email, &approvedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consume approved reset: %w", err)
		}
		approval = &domain.ApprovedReset{
			SessionID:     sessionID,
			ResetApproved: true,
			ApprovedAt:    time.Unix(approvedAt, 0),
			RequestID:     requestID,
			Email:         email,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}
