package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sanjanb/lifelab/internal/types"
)

// Session is the signed-in identity persisted by FileProvider.
type Session struct {
	UserID     string    `json:"user_id"`
	Token      string    `json:"token,omitempty"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// FileProvider is an identity provider backed by a session file. Signing in
// writes the file, signing out removes it, and Watch follows both through
// fsnotify, so a running daemon sees logins made from another process.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider for the session file at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Path returns the session file location.
func (p *FileProvider) Path() string {
	return p.path
}

// SignIn persists a session for userID.
func (p *FileProvider) SignIn(userID, token string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(Session{
		UserID:     userID,
		Token:      token,
		SignedInAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Write atomically via temp file
	tmpPath := p.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// SignOut removes the session. Signing out twice is not an error.
func (p *FileProvider) SignOut() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// Session reads the persisted session. A missing file returns (nil, nil).
func (p *FileProvider) Session() (*Session, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	if s.UserID == "" {
		return nil, fmt.Errorf("session has no user id")
	}
	return &s, nil
}

// State maps the session file onto an AuthState. Unreadable sessions are
// reported as signed out.
func (p *FileProvider) State() types.AuthState {
	s, err := p.Session()
	if err != nil || s == nil {
		return types.Anonymous
	}
	return types.AuthState{IsAuthenticated: true, UserID: s.UserID}
}

// Watch implements Provider.
func (p *FileProvider) Watch(ctx context.Context, emit func(types.AuthState)) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the file itself is replaced on every sign-in.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}

	last := p.State()
	emit(last)

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("session watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			next := p.State()
			if next != last {
				last = next
				emit(next)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("session watcher closed")
			}
			return fmt.Errorf("session watcher error: %w", err)
		}
	}
}
