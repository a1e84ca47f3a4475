package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dgellow/mcp-gateway/internal/config"
	"golang.org/x/oauth2"
)

var _ TokenStore = (*MemoryTokenStore)(nil)

// MemoryTokenStore keeps tokens for the lifetime of the process
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*oauth2.Token)}
}

func (s *MemoryTokenStore) GetTokens(_ context.Context, server string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[config.NormalizeName(server)]
	if !ok {
		return nil, ErrTokensNotFound
	}
	return copyToken(t), nil
}

func (s *MemoryTokenStore) SetTokens(_ context.Context, server string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[config.NormalizeName(server)] = copyToken(token)
	return nil
}

func (s *MemoryTokenStore) DeleteTokens(_ context.Context, server string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, config.NormalizeName(server))
	return nil
}

func (s *MemoryTokenStore) ListServers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make([]string, 0, len(s.tokens))
	for name := range s.tokens {
		servers = append(servers, name)
	}
	sort.Strings(servers)
	return servers, nil
}
