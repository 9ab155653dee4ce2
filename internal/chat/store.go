package chat

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"msgnet/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const messagesFile = "messages.json"

// StoredMessage is the on-disk representation of one chat line.
type StoredMessage struct {
	ID        string            `json:"id"`
	UserID    protocol.ClientID `json:"userid"`
	Username  string            `json:"username"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
}

// Store keeps the chat history in memory and persists it as a JSON
// file inside a configurable directory.  An RWMutex protects the
// in-memory state so multiple goroutines can read concurrently while
// writes are serialised.
type Store struct {
	mu       sync.RWMutex
	messages []StoredMessage
	dataDir  string
}

// NewStore creates (or reopens) a Store backed by files in dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "chat: create data dir")
	}
	s := &Store{dataDir: dataDir}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append records one chat line and persists it.
func (s *Store) Append(userID protocol.ClientID, username, text string, ts time.Time) (StoredMessage, error) {
	msg := StoredMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  username,
		Text:      text,
		Timestamp: ts,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return msg, s.saveLocked()
}

// History returns the last n messages, oldest first.  When n <= 0 the
// whole log is returned.
func (s *Store) History(n int) []StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.messages)
	if n <= 0 || n >= total {
		out := make([]StoredMessage, total)
		copy(out, s.messages)
		return out
	}
	out := make([]StoredMessage, n)
	copy(out, s.messages[total-n:])
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, messagesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "chat: read history")
	}
	if err := json.Unmarshal(data, &s.messages); err != nil {
		return errors.Wrap(err, "chat: parse history")
	}
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.messages, "", "  ")
	if err != nil {
		return errors.Wrap(err, "chat: marshal history")
	}
	path := filepath.Join(s.dataDir, messagesFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "chat: write history")
	}
	return nil
}
