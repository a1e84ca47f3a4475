package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/crypto"
	"golang.org/x/oauth2"
)

// ErrTokensNotFound is returned when no tokens were stored for a backend
var ErrTokensNotFound = errors.New("tokens not found")

// TokenStore keeps OAuth token material per backend server. Server names
// are normalized by every implementation.
type TokenStore interface {
	GetTokens(ctx context.Context, server string) (*oauth2.Token, error)
	SetTokens(ctx context.Context, server string, token *oauth2.Token) error
	// DeleteTokens is idempotent
	DeleteTokens(ctx context.Context, server string) error
	ListServers(ctx context.Context) ([]string, error)
}

// New builds the token store selected in the gateway config
func New(ctx context.Context, cfg config.TokenStorageConfig) (TokenStore, error) {
	var encryptor crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptorFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("token encryption: %w", err)
		}
		encryptor = enc
	}

	switch cfg.Kind {
	case config.TokenStorageMemory, "":
		return NewMemoryTokenStore(), nil
	case config.TokenStorageFile:
		return NewFileTokenStore(cfg.Dir, encryptor)
	case config.TokenStorageRedis:
		return NewRedisTokenStore(ctx, cfg.RedisURL, encryptor)
	case config.TokenStorageFirestore:
		return NewFirestoreTokenStore(ctx, cfg.ProjectID, cfg.Database, cfg.Collection, encryptor)
	default:
		return nil, fmt.Errorf("unknown token storage kind %q", cfg.Kind)
	}
}

// SanitizeName turns a server name into something safe for file names,
// document ids and keys
func SanitizeName(server string) string {
	name := config.NormalizeName(server)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// record is the serialized form shared by the persistent stores. Exactly one
// of Token and Sealed is set, depending on whether encryption is configured.
type record struct {
	Server    string        `json:"server"`
	Token     *oauth2.Token `json:"token,omitempty"`
	Sealed    string        `json:"sealed,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func sealRecord(server string, token *oauth2.Token, enc crypto.Encryptor) (*record, error) {
	rec := &record{Server: config.NormalizeName(server), UpdatedAt: time.Now().UTC()}
	if enc == nil {
		rec.Token = token
		return rec, nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("encoding tokens: %w", err)
	}
	sealed, err := enc.Encrypt(string(data))
	if err != nil {
		return nil, fmt.Errorf("encrypting tokens: %w", err)
	}
	rec.Sealed = sealed
	return rec, nil
}

func (r *record) open(enc crypto.Encryptor) (*oauth2.Token, error) {
	if r.Sealed == "" {
		if r.Token == nil {
			return nil, ErrTokensNotFound
		}
		return r.Token, nil
	}
	if enc == nil {
		return nil, fmt.Errorf("tokens for %s are encrypted but no encryption key is configured", r.Server)
	}
	plaintext, err := enc.Decrypt(r.Sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting tokens: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(plaintext), &token); err != nil {
		return nil, fmt.Errorf("decoding tokens: %w", err)
	}
	return &token, nil
}

func copyToken(t *oauth2.Token) *oauth2.Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
