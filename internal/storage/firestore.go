package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/crypto"
	"golang.org/x/oauth2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ TokenStore = (*FirestoreTokenStore)(nil)

// BackendTokenDoc is one backend's tokens as stored in Firestore
type BackendTokenDoc struct {
	Server    string    `firestore:"server"`
	Token     string    `firestore:"token"` // Encrypted
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreTokenStore keeps encrypted backend tokens in Google Cloud Firestore
type FirestoreTokenStore struct {
	client     *firestore.Client
	collection string
	encryptor  crypto.Encryptor
}

// NewFirestoreTokenStore requires an encryptor: tokens never leave the
// process in plain text.
func NewFirestoreTokenStore(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreTokenStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	internal.LogInfoWithFields("storage", "firestore token store ready", map[string]interface{}{
		"project":    projectID,
		"collection": collection,
	})
	return &FirestoreTokenStore{client: client, collection: collection, encryptor: encryptor}, nil
}

func (s *FirestoreTokenStore) GetTokens(ctx context.Context, server string) (*oauth2.Token, error) {
	doc, err := s.client.Collection(s.collection).Doc(SanitizeName(server)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrTokensNotFound
		}
		return nil, fmt.Errorf("failed to get tokens from Firestore: %w", err)
	}

	var tokenDoc BackendTokenDoc
	if err := doc.DataTo(&tokenDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	rec := record{Server: tokenDoc.Server, Sealed: tokenDoc.Token}
	return rec.open(s.encryptor)
}

func (s *FirestoreTokenStore) SetTokens(ctx context.Context, server string, token *oauth2.Token) error {
	rec, err := sealRecord(server, token, s.encryptor)
	if err != nil {
		return err
	}
	tokenDoc := BackendTokenDoc{
		Server:    rec.Server,
		Token:     rec.Sealed,
		UpdatedAt: rec.UpdatedAt,
	}
	if _, err := s.client.Collection(s.collection).Doc(SanitizeName(server)).Set(ctx, tokenDoc); err != nil {
		return fmt.Errorf("failed to store tokens in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreTokenStore) DeleteTokens(ctx context.Context, server string) error {
	if _, err := s.client.Collection(s.collection).Doc(SanitizeName(server)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete tokens from Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreTokenStore) ListServers(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var servers []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate backend tokens: %w", err)
		}
		var tokenDoc BackendTokenDoc
		if err := doc.DataTo(&tokenDoc); err != nil {
			internal.LogError("Failed to unmarshal backend tokens: %v", err)
			continue
		}
		servers = append(servers, tokenDoc.Server)
	}
	sort.Strings(servers)
	return servers, nil
}

func (s *FirestoreTokenStore) Close() error {
	return s.client.Close()
}
