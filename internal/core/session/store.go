package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"karaoke/internal/platform/browser"

	redisv8 "github.com/go-redis/redis/v8"
)

// ErrNoSession is returned by a Store that has nothing persisted.
var ErrNoSession = errors.New("no persisted session")

// SessionState is the persisted login. Only the Broker writes it.
type SessionState struct {
	Cookies         []browser.Cookie `json:"cookies"`
	LastValidatedAt time.Time        `json:"lastValidatedAt"`
	IsExpired       bool             `json:"isExpired"`
}

func (s SessionState) clone() SessionState {
	out := s
	out.Cookies = append([]browser.Cookie(nil), s.Cookies...)
	return out
}

type Store interface {
	Load(ctx context.Context) (SessionState, error)
	Save(ctx context.Context, state SessionState) error
}

// FileStore keeps the session in a JSON file readable only by the owner.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

func (f *FileStore) Load(_ context.Context) (SessionState, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return SessionState{}, ErrNoSession
	}
	if err != nil {
		return SessionState{}, fmt.Errorf("read session file: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return SessionState{}, fmt.Errorf("decode session file: %w", err)
	}
	if len(st.Cookies) == 0 {
		return SessionState{}, ErrNoSession
	}
	return st, nil
}

// Save writes to a temp file and renames it so readers never see a torn
// file.
func (f *FileStore) Save(_ context.Context, state SessionState) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

// RedisStore shares the session between pipeline processes.
type RedisStore struct {
	client *redisv8.Client
	key    string
}

func NewRedisStore(client *redisv8.Client, key string) *RedisStore {
	if key == "" {
		key = "session:facebook"
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (SessionState, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redisv8.Nil) {
		return SessionState{}, ErrNoSession
	}
	if err != nil {
		return SessionState{}, fmt.Errorf("load session: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return SessionState{}, fmt.Errorf("decode session: %w", err)
	}
	return st, nil
}

func (r *RedisStore) Save(ctx context.Context, state SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, raw, 0).Err()
}
