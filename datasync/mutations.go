package datasync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/brie-expense-tracker/client-go/client"
)

// TempIDPrefix marks locally assigned identifiers awaiting server
// confirmation.
const TempIDPrefix = "tmp-"

// NewTempID returns a fresh local identifier for an optimistic insert.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// AddItem optimistically appends item and performs the remote create. On
// success the pending entry is replaced by the authoritative server item.
// A network-classified failure keeps the optimistic item and queues the
// create for offline replay; any other failure rolls the insert back.
func (c *Controller[T]) AddItem(ctx context.Context, item T) (T, error) {
	tempID := NewTempID()
	c.mu.Lock()
	c.entries = append(c.entries, entry[T]{item: item, pending: true, tempID: tempID})
	c.mu.Unlock()

	var created T
	err := c.api.Post(ctx, c.cfg.Path, item, &created)
	if err == nil {
		c.mu.Lock()
		for i, e := range c.entries {
			if e.pending && e.tempID == tempID {
				c.entries[i] = entry[T]{item: created}
				break
			}
		}
		c.mu.Unlock()
		return created, nil
	}

	if client.ErrorKind(err) == client.KindNetwork {
		c.queueMutation(http.MethodPost, c.cfg.Path, item, tempID, err)
		return item, nil
	}

	// Roll back the optimistic insert.
	c.mu.Lock()
	for i, e := range c.entries {
		if e.pending && e.tempID == tempID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	var zero T
	return zero, err
}

// UpdateItem optimistically merges changes into the identified item and
// performs the remote update. On failure the pre-mutation snapshot is
// restored, except for network-classified failures which keep the optimistic
// state and queue the update for replay.
func (c *Controller[T]) UpdateItem(ctx context.Context, id string, changes map[string]any) (T, error) {
	var zero T

	c.mu.Lock()
	idx := c.indexOfLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return zero, fmt.Errorf("update %q: %w", id, ErrItemNotFound)
	}
	prev := c.entries[idx]
	merged, err := mergeChanges(prev.item, changes)
	if err != nil {
		c.mu.Unlock()
		return zero, err
	}
	c.entries[idx].item = merged
	c.mu.Unlock()

	var updated T
	err = c.api.Put(ctx, c.itemPath(id), changes, &updated)
	if err == nil {
		c.mu.Lock()
		if i := c.indexOfLocked(id); i >= 0 {
			c.entries[i] = entry[T]{item: updated}
		}
		c.mu.Unlock()
		return updated, nil
	}

	if client.ErrorKind(err) == client.KindNetwork {
		c.queueMutation(http.MethodPut, c.itemPath(id), changes, "", err)
		return merged, nil
	}

	c.mu.Lock()
	if i := c.indexOfLocked(id); i >= 0 {
		c.entries[i] = prev
	}
	c.mu.Unlock()
	return zero, err
}

// DeleteItem optimistically removes the identified item and performs the
// remote delete. On failure the item is reinserted (original position not
// guaranteed); network-classified failures queue the delete for replay
// instead of surfacing.
func (c *Controller[T]) DeleteItem(ctx context.Context, id string) error {
	c.mu.Lock()
	idx := c.indexOfLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("delete %q: %w", id, ErrItemNotFound)
	}
	removed := c.entries[idx]
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	c.mu.Unlock()

	err := c.api.Delete(ctx, c.itemPath(id), nil)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	c.entries = append(c.entries, removed)
	c.mu.Unlock()

	if client.ErrorKind(err) == client.KindNetwork {
		c.queueMutation(http.MethodDelete, c.itemPath(id), nil, "", err)
		return nil
	}
	return err
}

// mergeChanges applies a shallow field merge over the item's JSON form.
func mergeChanges[T Item](item T, changes map[string]any) (T, error) {
	var zero T
	raw, err := json.Marshal(item)
	if err != nil {
		return zero, fmt.Errorf("marshal item: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return zero, fmt.Errorf("unmarshal item fields: %w", err)
	}
	for k, v := range changes {
		fields[k] = v
	}
	mergedRaw, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("marshal merged fields: %w", err)
	}
	var merged T
	if err := json.Unmarshal(mergedRaw, &merged); err != nil {
		return zero, fmt.Errorf("unmarshal merged item: %w", err)
	}
	return merged, nil
}
