// Package file implements the Store interface on the local filesystem.
// Each issue is one plain-text record under <root>/issues; lock records
// live under <root>/locks.
package file

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/types"
)

func init() {
	storage.RegisterBackend(storage.BackendFile, func(path string) (storage.Store, error) {
		return New(path)
	})
}

// FileStore implements storage.Store using one .issue record per issue.
type FileStore struct {
	root  string
	locks *storage.LockManager
}

// New creates a file store rooted at the given directory. Constructing the
// store sweeps stale lock records left behind by crashed processes.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "issues"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create issue directory: %w", err)
	}

	locks, err := storage.NewLockManager(filepath.Join(root, "locks"))
	if err != nil {
		return nil, err
	}

	return &FileStore{root: root, locks: locks}, nil
}

func (s *FileStore) issuePath(id string) string {
	safe := strings.ReplaceAll(id, string(filepath.Separator), "_")
	return filepath.Join(s.root, "issues", safe+".issue")
}

// GetIssue retrieves an issue by ID.
func (s *FileStore) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	data, err := os.ReadFile(s.issuePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read issue %s: %w", id, err)
	}

	issue, err := types.ParseRecord(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issue %s: %w", id, err)
	}
	return issue, nil
}

// ListIssues returns all issues matching the filter, sorted by ID.
func (s *FileStore) ListIssues(ctx context.Context, filter *types.IssueFilter) ([]*types.Issue, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "issues"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	var issues []*types.Issue
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".issue" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, "issues", entry.Name()))
		if err != nil {
			continue
		}
		issue, err := types.ParseRecord(data)
		if err != nil {
			// A malformed record never hides the rest of the store.
			fmt.Fprintf(os.Stderr, "warning: skipping malformed record %s: %v\n", entry.Name(), err)
			continue
		}
		if filter.Matches(issue) {
			issues = append(issues, issue)
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })

	if filter != nil && filter.Limit > 0 && len(issues) > filter.Limit {
		issues = issues[:filter.Limit]
	}
	return issues, nil
}

// CreateIssue persists a new issue. The ID must be unique.
func (s *FileStore) CreateIssue(ctx context.Context, issue *types.Issue) error {
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

	path := s.issuePath(issue.ID)
	// O_EXCL makes duplicate creation fail instead of clobbering.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrExists, issue.ID)
		}
		return fmt.Errorf("failed to create issue %s: %w", issue.ID, err)
	}
	f.Close()

	if err := atomicWrite(path, issue.MarshalRecord()); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write issue %s: %w", issue.ID, err)
	}
	return nil
}

// UpdateIssue applies a partial-field update. State changes pass through
// the lifecycle transition table; invalid transitions are rejected and
// nothing is written.
func (s *FileStore) UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) error {
	issue, err := s.GetIssue(ctx, id)
	if err != nil {
		return err
	}

	if err := storage.ApplyUpdates(issue, updates); err != nil {
		return err
	}

	if err := atomicWrite(s.issuePath(id), issue.MarshalRecord()); err != nil {
		return fmt.Errorf("failed to write issue %s: %w", id, err)
	}
	return nil
}

// DeleteIssue permanently removes an issue and its lock record.
func (s *FileStore) DeleteIssue(ctx context.Context, id string) error {
	if err := os.Remove(s.issuePath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete issue %s: %w", id, err)
	}
	return s.locks.Unlock(id)
}

// Lock acquires the exclusive advisory lock for the issue.
func (s *FileStore) Lock(ctx context.Context, id string, meta storage.LockMeta) error {
	return s.locks.Lock(id, meta)
}

// Unlock releases the issue lock. Idempotent.
func (s *FileStore) Unlock(ctx context.Context, id string) error {
	return s.locks.Unlock(id)
}

// IsLocked reports whether a live lock exists for the issue.
func (s *FileStore) IsLocked(ctx context.Context, id string) (bool, error) {
	return s.locks.IsLocked(id)
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

// atomicWrite writes data to a temp file and renames it into place so a
// crash mid-write never leaves a truncated record.
func atomicWrite(path string, data []byte) error {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("generating temp suffix: %w", err)
	}
	tmp := path + ".tmp." + hex.EncodeToString(suffix)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
