// Package creds supplies opaque credentials for the sync connection.
// Tokens are treated as blobs: the engine never parses or interprets them.
package creds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrNoCredentials is returned when no usable token is available.
var ErrNoCredentials = errors.New("no credentials available")

// Provider supplies access tokens for the sync transport.
type Provider interface {
	// AccessToken returns the current access token.
	AccessToken(ctx context.Context) (string, error)
	// Refresh obtains a fresh access token after an auth rejection.
	Refresh(ctx context.Context) error
	// Clear removes stored credentials. Errors are reported, not swallowed.
	Clear() error
}

type tokenFile struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
}

// FileStore is a Provider backed by a TOML file under the session directory.
// An external pairing/login flow writes the file; Refresh re-reads it so a
// rotation performed by that flow is picked up without restarting the daemon.
type FileStore struct {
	path string

	mu     sync.Mutex
	tokens tokenFile
	loaded bool
}

// NewFileStore creates a file-backed credential store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// AccessToken returns the stored access token, loading the file on first use.
func (s *FileStore) AccessToken(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return "", err
		}
	}
	if s.tokens.AccessToken == "" {
		return "", ErrNoCredentials
	}
	return s.tokens.AccessToken, nil
}

// Refresh re-reads the credential file. Returns ErrNoCredentials if the
// rotated file still carries no usable token.
func (s *FileStore) Refresh(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.tokens.AccessToken
	if err := s.loadLocked(); err != nil {
		return err
	}
	if s.tokens.AccessToken == "" || s.tokens.AccessToken == prev {
		return ErrNoCredentials
	}
	return nil
}

// SetTokens writes new tokens to the credential file.
func (s *FileStore) SetTokens(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	t := tokenFile{AccessToken: accessToken, RefreshToken: refreshToken}
	encErr := toml.NewEncoder(f).Encode(t)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	if encErr != nil {
		return encErr
	}
	s.tokens = t
	s.loaded = true
	return nil
}

// Clear removes the credential file. A missing file is not an error;
// any other failure is returned to the caller.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokenFile{}
	s.loaded = false
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func (s *FileStore) loadLocked() error {
	var t tokenFile
	if _, err := toml.DecodeFile(s.path, &t); err != nil {
		if os.IsNotExist(err) {
			s.tokens = tokenFile{}
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read credentials: %w", err)
	}
	s.tokens = t
	s.loaded = true
	return nil
}
