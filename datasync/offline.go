package datasync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brie-expense-tracker/client-go/client"
)

// QueuedOp is one deferred mutation awaiting replay after a
// network-classified failure.
type QueuedOp struct {
	ID       string          `json:"id"`
	Method   string          `json:"method"`
	Path     string          `json:"path"`
	Body     json.RawMessage `json:"body,omitempty"`
	TempID   string          `json:"temp_id,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// QueueStore persists the offline queue across process restarts.
type QueueStore interface {
	Load() ([]QueuedOp, error)
	Save(ops []QueuedOp) error
}

// =============================================================================
// Stores
// =============================================================================

// MemoryQueueStore holds the queue in process memory. Queued mutations are
// lost on restart; use FileQueueStore for durability.
type MemoryQueueStore struct {
	mu  sync.Mutex
	ops []QueuedOp
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

func (s *MemoryQueueStore) Load() ([]QueuedOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedOp, len(s.ops))
	copy(out, s.ops)
	return out, nil
}

func (s *MemoryQueueStore) Save(ops []QueuedOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make([]QueuedOp, len(ops))
	copy(s.ops, ops)
	return nil
}

// FileQueueStore persists the queue as JSON on local disk, surviving process
// restarts. Writes go through a temp file and rename so a crash never leaves
// a truncated queue.
type FileQueueStore struct {
	path string
	mu   sync.Mutex
}

// NewFileQueueStore creates a store writing to path.
func NewFileQueueStore(path string) *FileQueueStore {
	return &FileQueueStore{path: path}
}

func (s *FileQueueStore) Load() ([]QueuedOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	var ops []QueuedOp
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	return ops, nil
}

func (s *FileQueueStore) Save(ops []QueuedOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

// =============================================================================
// Queue Operations
// =============================================================================

// queueMutation records a failed mutation for replay and persists the queue.
func (c *Controller[T]) queueMutation(method, path string, body any, tempID string, cause error) {
	var raw json.RawMessage
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("dropping unencodable offline mutation")
			return
		}
		raw = encoded
	}
	op := QueuedOp{
		ID:       uuid.NewString(),
		Method:   method,
		Path:     path,
		Body:     raw,
		TempID:   tempID,
		QueuedAt: time.Now(),
	}

	c.mu.Lock()
	c.queue = append(c.queue, op)
	snapshot := make([]QueuedOp, len(c.queue))
	copy(snapshot, c.queue)
	c.mu.Unlock()

	if err := c.cfg.Store.Save(snapshot); err != nil {
		c.log.Warn().Err(err).Msg("persist offline queue failed")
	}
	c.log.Info().
		Str("method", method).
		Str("path", path).
		Err(cause).
		Msg("mutation queued for offline replay")
}

// replayQueue replays queued mutations in order after a successful refetch.
// Replay is best-effort: a mutation failing with another network error stays
// queued for the next refetch; any other failure is logged and dropped since
// it would never succeed.
func (c *Controller[T]) replayQueue(ctx context.Context) {
	c.mu.Lock()
	ops := c.queue
	c.queue = nil
	c.mu.Unlock()
	if len(ops) == 0 {
		return
	}

	var kept []QueuedOp
	for _, op := range ops {
		err := c.applyOp(ctx, op)
		if err == nil {
			c.log.Debug().Str("method", op.Method).Str("path", op.Path).Msg("offline mutation replayed")
			continue
		}
		if client.ErrorKind(err) == client.KindNetwork {
			kept = append(kept, op)
			continue
		}
		c.log.Warn().
			Str("method", op.Method).
			Str("path", op.Path).
			Err(err).
			Msg("offline mutation replay failed, dropping")
	}

	c.mu.Lock()
	c.queue = append(kept, c.queue...)
	snapshot := make([]QueuedOp, len(c.queue))
	copy(snapshot, c.queue)
	c.mu.Unlock()

	if err := c.cfg.Store.Save(snapshot); err != nil {
		c.log.Warn().Err(err).Msg("persist offline queue failed")
	}
}

func (c *Controller[T]) applyOp(ctx context.Context, op QueuedOp) error {
	switch op.Method {
	case http.MethodPost:
		return c.api.Post(ctx, op.Path, op.Body, nil)
	case http.MethodPut:
		return c.api.Put(ctx, op.Path, op.Body, nil)
	case http.MethodDelete:
		return c.api.Delete(ctx, op.Path, nil)
	default:
		return fmt.Errorf("unsupported queued method %q", op.Method)
	}
}

// QueuedOps returns a copy of the pending offline queue.
func (c *Controller[T]) QueuedOps() []QueuedOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueuedOp, len(c.queue))
	copy(out, c.queue)
	return out
}
