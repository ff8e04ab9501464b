package audit

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service appends audit entries to a JSONL file under the data dir.
// Audit failures are logged and never fail the triggering request.
type Service struct {
	mu   sync.Mutex
	path string
}

func NewService(path string) *Service {
	return &Service{path: path}
}

type LogEntry struct {
	ID        uuid.UUID              `json:"id"`
	User      string                 `json:"user"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Log records an audit event.
func (s *Service) Log(user, action string, details map[string]interface{}) {
	entry := LogEntry{
		ID:        uuid.New(),
		User:      user,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[Audit] Failed to encode entry: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		log.Printf("[Audit] Failed to open %s: %v", s.path, err)
		return
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		log.Printf("[Audit] Failed to append entry: %v", err)
	}
}
