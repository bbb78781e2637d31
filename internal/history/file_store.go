package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 128

var safeChatID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileStore keeps one JSON document per chat under a directory, fronted by
// an LRU cache.
type FileStore struct {
	dir   string
	cache *lru.Cache[string, *Chat]
	mu    sync.Mutex
	now   func() time.Time
}

// NewFileStore creates dir if needed. cacheSize <= 0 selects the default.
func NewFileStore(dir string, cacheSize int) (*FileStore, error) {
	if dir == "" {
		dir = "data/chats"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *Chat](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	return &FileStore{dir: dir, cache: cache, now: time.Now}, nil
}

func (s *FileStore) path(chatID string) (string, error) {
	if !safeChatID.MatchString(chatID) {
		return "", fmt.Errorf("invalid chat id %q", chatID)
	}
	return filepath.Join(s.dir, chatID+".json"), nil
}

// Get returns a copy of the stored chat.
func (s *FileStore) Get(ctx context.Context, chatID string) (*Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chat, ok := s.cache.Get(chatID); ok {
		return chat.Clone(), nil
	}
	path, err := s.path(chatID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read chat %s: %w", chatID, err)
	}
	var chat Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	s.cache.Add(chatID, &chat)
	return chat.Clone(), nil
}

// Put writes chat atomically and refreshes the cache.
func (s *FileStore) Put(ctx context.Context, chat *Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chat == nil {
		return fmt.Errorf("nil chat")
	}
	path, err := s.path(chat.ID)
	if err != nil {
		return err
	}
	stored := chat.Clone()
	stored.UpdatedAt = s.now()
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chat %s: %w", chat.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := fmt.Sprintf("%s.tmp-%d", path, s.now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write chat %s: %w", chat.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename chat %s: %w", chat.ID, err)
	}
	s.cache.Add(chat.ID, stored)
	return nil
}

// Append adds messages to a chat, creating it when missing.
func (s *FileStore) Append(ctx context.Context, chatID string, msgs ...Message) error {
	return Append(ctx, s, chatID, msgs...)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[string]*Chat
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chats: map[string]*Chat{}}
}

func (m *MemoryStore) Get(_ context.Context, chatID string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return chat.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, chat *Chat) error {
	if chat == nil {
		return fmt.Errorf("nil chat")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[chat.ID] = chat.Clone()
	return nil
}
