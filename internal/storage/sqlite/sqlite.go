// Package sqlite implements the Store interface on a tracker database.
// It shares the PID-backed file lock protocol with the file backend so a
// mixed fleet observes one locking discipline.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/types"
)

func init() {
	storage.RegisterBackend(storage.BackendSQLite, func(path string) (storage.Store, error) {
		return New(path)
	})
}

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	locks *storage.LockManager
}

// New opens (creating if needed) the tracker database at path.
func New(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL for concurrent readers, busy timeout for writer contention.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	locks, err := storage.NewLockManager(filepath.Join(dir, "locks"))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, locks: locks}, nil
}

const issueColumns = `id, title, state, parent, children, split_count, verify_count,
	verify_exhausted, needs_interview, is_verify_fix, body,
	input_tokens, output_tokens, total_duration, iterations, run_count,
	created_at, updated_at`

// GetIssue retrieves an issue by ID.
func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+issueColumns+" FROM issues WHERE id = ?", id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	return issue, nil
}

// ListIssues returns all issues matching the filter, sorted by ID.
func (s *SQLiteStore) ListIssues(ctx context.Context, filter *types.IssueFilter) ([]*types.Issue, error) {
	query := "SELECT " + issueColumns + " FROM issues"
	var conds []string
	var args []interface{}

	if filter != nil {
		if filter.State != nil {
			conds = append(conds, "state = ?")
			args = append(args, string(*filter.State))
		}
		if filter.Parent != nil {
			conds = append(conds, "parent = ?")
			args = append(args, *filter.Parent)
		}
		if filter.IsVerifyFix != nil {
			conds = append(conds, "is_verify_fix = ?")
			args = append(args, boolToInt(*filter.IsVerifyFix))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// CreateIssue persists a new issue. The ID must be unique.
func (s *SQLiteStore) CreateIssue(ctx context.Context, issue *types.Issue) error {
	if issue.State == "" {
		issue.State = types.StateNew
	}
	if issue.Children == nil {
		issue.Children = []string{}
	}
	now := time.Now()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	if err := issue.Validate(); err != nil {
		return fmt.Errorf("invalid issue: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issueArgs(issue)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", storage.ErrExists, issue.ID)
		}
		return fmt.Errorf("failed to create issue %s: %w", issue.ID, err)
	}
	return nil
}

// UpdateIssue applies a partial-field update inside a transaction. State
// changes pass through the lifecycle transition table.
func (s *SQLiteStore) UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+issueColumns+" FROM issues WHERE id = ?", id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get issue %s: %w", id, err)
	}

	if err := storage.ApplyUpdates(issue, updates); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE issues SET title = ?, state = ?, parent = ?, children = ?,
			split_count = ?, verify_count = ?, verify_exhausted = ?,
			needs_interview = ?, is_verify_fix = ?, body = ?,
			input_tokens = ?, output_tokens = ?, total_duration = ?,
			iterations = ?, run_count = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		append(issueArgs(issue)[1:], issue.ID)...); err != nil {
		return fmt.Errorf("failed to update issue %s: %w", id, err)
	}

	return tx.Commit()
}

// DeleteIssue permanently removes an issue and its lock record.
func (s *SQLiteStore) DeleteIssue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete issue %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return s.locks.Unlock(id)
}

// Lock acquires the exclusive advisory lock for the issue.
func (s *SQLiteStore) Lock(ctx context.Context, id string, meta storage.LockMeta) error {
	return s.locks.Lock(id, meta)
}

// Unlock releases the issue lock. Idempotent.
func (s *SQLiteStore) Unlock(ctx context.Context, id string) error {
	return s.locks.Unlock(id)
}

// IsLocked reports whether a live lock exists for the issue.
func (s *SQLiteStore) IsLocked(ctx context.Context, id string) (bool, error) {
	return s.locks.IsLocked(id)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (*types.Issue, error) {
	var (
		issue          types.Issue
		children       string
		verifyExh      int
		needsInterview sql.NullInt64
		isVerifyFix    int
		totalDuration  int64
		createdAt      string
		updatedAt      string
	)

	err := row.Scan(&issue.ID, &issue.Title, &issue.State, &issue.Parent, &children,
		&issue.SplitCount, &issue.VerifyCount, &verifyExh, &needsInterview,
		&isVerifyFix, &issue.Body, &issue.InputTokens, &issue.OutputTokens,
		&totalDuration, &issue.Iterations, &issue.RunCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if children == "" {
		issue.Children = []string{}
	} else {
		issue.Children = strings.Split(children, ",")
	}
	issue.VerifyExhausted = verifyExh != 0
	if needsInterview.Valid {
		b := needsInterview.Int64 != 0
		issue.NeedsInterview = &b
	}
	issue.IsVerifyFix = isVerifyFix != 0
	issue.TotalDuration = time.Duration(totalDuration)

	if issue.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("malformed created_at: %w", err)
	}
	if issue.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("malformed updated_at: %w", err)
	}
	return &issue, nil
}

func issueArgs(issue *types.Issue) []interface{} {
	var needsInterview interface{}
	if issue.NeedsInterview != nil {
		needsInterview = boolToInt(*issue.NeedsInterview)
	}
	return []interface{}{
		issue.ID,
		issue.Title,
		string(issue.State),
		issue.Parent,
		strings.Join(issue.Children, ","),
		issue.SplitCount,
		issue.VerifyCount,
		boolToInt(issue.VerifyExhausted),
		needsInterview,
		boolToInt(issue.IsVerifyFix),
		issue.Body,
		issue.InputTokens,
		issue.OutputTokens,
		int64(issue.TotalDuration),
		issue.Iterations,
		issue.RunCount,
		issue.CreatedAt.UTC().Format(time.RFC3339Nano),
		issue.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
