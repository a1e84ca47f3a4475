package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/crypto"
	"golang.org/x/oauth2"
)

const tokenFileSuffix = "-tokens.json"

var _ TokenStore = (*FileTokenStore)(nil)

// FileTokenStore writes one <server>-tokens.json file per backend
type FileTokenStore struct {
	dir       string
	encryptor crypto.Encryptor
	mu        sync.Mutex
}

func NewFileTokenStore(dir string, encryptor crypto.Encryptor) (*FileTokenStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("token directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}
	return &FileTokenStore{dir: dir, encryptor: encryptor}, nil
}

func (s *FileTokenStore) path(server string) string {
	return filepath.Join(s.dir, SanitizeName(server)+tokenFileSuffix)
}

func (s *FileTokenStore) GetTokens(_ context.Context, server string) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(s.path(server))
	if err != nil {
		return nil, err
	}
	return rec.open(s.encryptor)
}

func (s *FileTokenStore) SetTokens(_ context.Context, server string, token *oauth2.Token) error {
	rec, err := sealRecord(server, token, s.encryptor)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(server)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	internal.LogDebugWithFields("storage", "tokens saved", map[string]interface{}{
		"server": rec.Server,
		"path":   path,
	})
	return nil
}

func (s *FileTokenStore) DeleteTokens(_ context.Context, server string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(server)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) ListServers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing token directory: %w", err)
	}
	var servers []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tokenFileSuffix) {
			continue
		}
		rec, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			internal.LogWarn("Skipping unreadable token file %s: %v", e.Name(), err)
			continue
		}
		servers = append(servers, rec.Server)
	}
	sort.Strings(servers)
	return servers, nil
}

func (s *FileTokenStore) read(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrTokensNotFound
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding token file: %w", err)
	}
	return &rec, nil
}
