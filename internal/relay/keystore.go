package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/compendiumnav/navsync/internal/database"
)

// ErrKeyMismatch is returned when a client id already has a different key.
var ErrKeyMismatch = errors.New("client already registered with a different key")

// KeyStore holds client public keys. The first key registered for a client
// id wins.
type KeyStore interface {
	Register(ctx context.Context, clientID, publicKey, role string) error
	Lookup(ctx context.Context, clientID string) (string, bool, error)
}

// MemoryKeyStore keeps keys for the life of the process.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]string)}
}

func (s *MemoryKeyStore) Register(_ context.Context, clientID, publicKey, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if have, ok := s.keys[clientID]; ok {
		if have != publicKey {
			return ErrKeyMismatch
		}
		return nil
	}
	s.keys[clientID] = publicKey
	return nil
}

func (s *MemoryKeyStore) Lookup(_ context.Context, clientID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[clientID]
	return k, ok, nil
}

// PersistentKeyStore stores keys in PostgreSQL with a read-through cache.
type PersistentKeyStore struct {
	repo  *database.KeyRepository
	cache *cache.Cache
}

func NewPersistentKeyStore(repo *database.KeyRepository) *PersistentKeyStore {
	return &PersistentKeyStore{repo: repo, cache: cache.New(10*time.Minute, 20*time.Minute)}
}

func (s *PersistentKeyStore) Register(ctx context.Context, clientID, publicKey, role string) error {
	have, ok, err := s.Lookup(ctx, clientID)
	if err != nil {
		return err
	}
	if !ok {
		inserted, err := s.repo.Insert(ctx, database.ClientKey{ClientID: clientID, PublicKey: publicKey, Role: role})
		if err != nil {
			return err
		}
		if inserted {
			s.cache.SetDefault(clientID, publicKey)
			return nil
		}
		// Lost a race with another registration; compare against the winner.
		if have, ok, err = s.Lookup(ctx, clientID); err != nil || !ok {
			return err
		}
	}
	if have != publicKey {
		return ErrKeyMismatch
	}
	return nil
}

func (s *PersistentKeyStore) Lookup(ctx context.Context, clientID string) (string, bool, error) {
	if v, ok := s.cache.Get(clientID); ok {
		return v.(string), true, nil
	}
	key, found, err := s.repo.Find(ctx, clientID)
	if err != nil || !found {
		return "", false, err
	}
	s.cache.SetDefault(clientID, key.PublicKey)
	return key.PublicKey, true, nil
}
