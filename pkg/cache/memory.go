package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

// MemoryCache is the in-process SessionCache used when Redis is not configured.
type MemoryCache struct {
	mu           sync.Mutex
	entries      map[string]memoryEntry
	ttl          time.Duration
	tombstoneTTL time.Duration
	now          func() time.Time
}

var _ SessionCache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache(ttl, tombstoneTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		entries:      make(map[string]memoryEntry),
		ttl:          ttl,
		tombstoneTTL: tombstoneTTL,
		now:          time.Now,
	}
}

func (c *MemoryCache) GetMessages(_ context.Context, conversationID uuid.UUID) ([]models.Message, bool, error) {
	v, ok := c.get(messagesKey(conversationID))
	if !ok {
		return nil, false, nil
	}
	return append([]models.Message(nil), v.([]models.Message)...), true, nil
}

func (c *MemoryCache) MessagesVersion(_ context.Context, conversationID uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionLocked(conversationID), nil
}

func (c *MemoryCache) SetMessages(_ context.Context, conversationID uuid.UUID, msgs []models.Message, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookupLocked(tombstoneKey(conversationID)); ok {
		return ErrTombstoned
	}
	if c.versionLocked(conversationID) != version {
		return ErrStaleMessages
	}
	c.entries[messagesKey(conversationID)] = memoryEntry{
		value:     append([]models.Message(nil), msgs...),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) InvalidateMessages(_ context.Context, conversationID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, messagesKey(conversationID))
	c.entries[messagesVersionKey(conversationID)] = memoryEntry{
		value:     c.versionLocked(conversationID) + 1,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) versionLocked(conversationID uuid.UUID) int64 {
	v, ok := c.lookupLocked(messagesVersionKey(conversationID))
	if !ok {
		return 0
	}
	return v.(int64)
}

func (c *MemoryCache) GetActiveDataSource(_ context.Context, conversationID uuid.UUID) (uuid.UUID, bool, error) {
	v, ok := c.get(activeKey(conversationID))
	if !ok {
		return uuid.Nil, false, nil
	}
	return v.(uuid.UUID), true, nil
}

func (c *MemoryCache) SetActiveDataSource(_ context.Context, conversationID, dataSourceID uuid.UUID) error {
	return c.guardedSet(conversationID, activeKey(conversationID), dataSourceID)
}

func (c *MemoryCache) GetTurn(_ context.Context, conversationID uuid.UUID) (*models.Turn, bool, error) {
	v, ok := c.get(turnKey(conversationID))
	if !ok {
		return nil, false, nil
	}
	turn := v.(models.Turn)
	return &turn, true, nil
}

func (c *MemoryCache) SetTurn(_ context.Context, turn *models.Turn) error {
	return c.guardedSet(turn.ConversationID, turnKey(turn.ConversationID), *turn)
}

func (c *MemoryCache) GetLastKnownGood(_ context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	v, ok := c.get(lastKnownKey(userID))
	if !ok {
		return uuid.Nil, false, nil
	}
	return v.(uuid.UUID), true, nil
}

func (c *MemoryCache) SetLastKnownGood(_ context.Context, userID, dataSourceID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[lastKnownKey(userID)] = memoryEntry{value: dataSourceID, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) DeleteConversation(_ context.Context, conversationID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range conversationKeys(conversationID) {
		delete(c.entries, k)
	}
	c.entries[tombstoneKey(conversationID)] = memoryEntry{value: true, expiresAt: c.now().Add(c.tombstoneTTL)}
	return nil
}

func (c *MemoryCache) IsTombstoned(_ context.Context, conversationID uuid.UUID) (bool, error) {
	_, ok := c.get(tombstoneKey(conversationID))
	return ok, nil
}

func (c *MemoryCache) guardedSet(conversationID uuid.UUID, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookupLocked(tombstoneKey(conversationID)); ok {
		return ErrTombstoned
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

func (c *MemoryCache) lookupLocked(key string) (any, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}
