package client

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdentityStore persists the visitor identifier across process restarts. It is
// the device-local analogue of browser storage: the identifier never leaves
// the client except as a dedup key component.
type IdentityStore interface {
	Load() (string, error)
	Save(id string) error
}

// FileIdentityStore keeps the identifier in a single-line file.
type FileIdentityStore struct {
	path string
}

// NewFileIdentityStore constructs a FileIdentityStore at the given path.
func NewFileIdentityStore(path string) *FileIdentityStore {
	return &FileIdentityStore{path: path}
}

// Load returns the persisted identifier, or empty when none exists yet.
func (s *FileIdentityStore) Load() (string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// Save persists the identifier, creating parent directories as needed.
func (s *FileIdentityStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(id+"\n"), 0o600)
}

// IdentityProvider derives and caches the visitor identifier. Construct one at
// app start and inject it into everything that needs an identity; nothing
// reads ambient storage directly.
type IdentityProvider struct {
	store  IdentityStore
	logger *zap.Logger

	mu      sync.Mutex
	cached  string
	session bool
}

// NewIdentityProvider constructs an IdentityProvider. A nil store yields a
// session-scoped identity that does not survive the process.
func NewIdentityProvider(store IdentityStore, logger *zap.Logger) *IdentityProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityProvider{store: store, logger: logger}
}

// VisitorID returns the persisted identifier, generating and persisting one on
// first call. When persistence is unavailable the provider degrades to a
// session-scoped identifier: stable for this process, gone after restart.
// Degradation is not an error; callers must tolerate it.
func (p *IdentityProvider) VisitorID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached
	}

	if p.store != nil {
		stored, err := p.store.Load()
		if err != nil {
			p.logger.Warn("visitor identity load failed", zap.Error(err))
		} else if stored != "" {
			p.cached = stored
			return p.cached
		}
	}

	p.cached = newVisitorID()

	if p.store == nil {
		p.session = true
		return p.cached
	}
	if err := p.store.Save(p.cached); err != nil {
		p.logger.Warn("visitor identity persistence unavailable, using session-scoped id", zap.Error(err))
		p.session = true
	}
	return p.cached
}

// SessionScoped reports whether the current identity will be lost on restart.
func (p *IdentityProvider) SessionScoped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func newVisitorID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
