package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/drover-dev/drover/internal/types"
)

// Sentinel errors shared by all backends. Callers match with errors.Is.
var (
	// ErrNotFound indicates the issue does not exist
	ErrNotFound = errors.New("issue not found")

	// ErrLocked indicates a live lock is already held on the issue
	ErrLocked = errors.New("issue is locked")

	// ErrExists indicates an issue with the same ID already exists
	ErrExists = errors.New("issue already exists")
)

// LockMeta records the issue's situation at lock acquisition time.
type LockMeta struct {
	State types.State
	Mode  types.Mode
}

// Store defines the interface for issue storage backends.
// Every method returns a value or a typed failure; nothing panics across
// this boundary. State changes submitted through UpdateIssue are validated
// against the lifecycle transition table inside the store.
type Store interface {
	// Issues
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	ListIssues(ctx context.Context, filter *types.IssueFilter) ([]*types.Issue, error)
	CreateIssue(ctx context.Context, issue *types.Issue) error
	UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) error
	DeleteIssue(ctx context.Context, id string) error

	// Locking (advisory, PID-backed, one live lock per issue)
	Lock(ctx context.Context, id string, meta LockMeta) error
	Unlock(ctx context.Context, id string) error
	IsLocked(ctx context.Context, id string) (bool, error)

	// Lifecycle
	Close() error
}

// Backend selects a concrete Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Config holds storage configuration
type Config struct {
	// Backend selects the implementation: "file" (default) or "sqlite"
	Backend Backend `yaml:"backend"`

	// Path is the store root: a directory for the file backend, a database
	// file for the sqlite backend. Default: ".drover"
	Path string `yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendFile,
		Path:    ".drover",
	}
}

// factories is populated by the backend packages at init time so the
// factory stays free of upward imports.
var factories = map[Backend]func(path string) (Store, error){}

// RegisterBackend wires a concrete backend into the factory. Called from
// backend package init functions.
func RegisterBackend(b Backend, open func(path string) (Store, error)) {
	factories[b] = open
}

// NewStore creates a storage backend selected by configuration.
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFile
	}
	path := cfg.Path
	if path == "" {
		path = ".drover"
	}

	open, ok := factories[backend]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
	return open(path)
}

// ValidateStateUpdate applies the transition table to a requested state
// change. Both backends call this before persisting a new state.
func ValidateStateUpdate(current types.State, raw interface{}) (types.State, error) {
	var next types.State
	switch v := raw.(type) {
	case types.State:
		next = v
	case string:
		next = types.State(v)
	default:
		return "", fmt.Errorf("state update must be a string or State (got %T)", raw)
	}

	if err := types.ValidateTransition(current, next); err != nil {
		return "", err
	}
	return next, nil
}
