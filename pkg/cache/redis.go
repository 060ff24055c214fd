package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// maxWatchRetries bounds optimistic-lock retries when a delete races a write.
const maxWatchRetries = 3

type redisCache struct {
	client       *redis.Client
	ttl          time.Duration
	tombstoneTTL time.Duration
	logger       *zap.Logger
}

var _ SessionCache = (*redisCache)(nil)

// NewRedisCache creates a SessionCache backed by Redis. Entries expire after
// ttl; tombstones after tombstoneTTL.
func NewRedisCache(client *redis.Client, ttl, tombstoneTTL time.Duration, logger *zap.Logger) SessionCache {
	return &redisCache{
		client:       client,
		ttl:          ttl,
		tombstoneTTL: tombstoneTTL,
		logger:       logger.Named("session-cache"),
	}
}

func (c *redisCache) GetMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, bool, error) {
	var msgs []models.Message
	ok, err := c.getJSON(ctx, messagesKey(conversationID), &msgs)
	return msgs, ok, err
}

func (c *redisCache) MessagesVersion(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	return readVersion(c.client.Get(ctx, messagesVersionKey(conversationID)))
}

func (c *redisCache) SetMessages(ctx context.Context, conversationID uuid.UUID, msgs []models.Message, version int64) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	vkey := messagesVersionKey(conversationID)
	return c.guardedSet(ctx, conversationID, messagesKey(conversationID), data, precondition{
		key: vkey,
		check: func(tx *redis.Tx) error {
			cur, err := readVersion(tx.Get(ctx, vkey))
			if err != nil {
				return err
			}
			if cur != version {
				return ErrStaleMessages
			}
			return nil
		},
	})
}

func (c *redisCache) InvalidateMessages(ctx context.Context, conversationID uuid.UUID) error {
	vkey := messagesVersionKey(conversationID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, messagesKey(conversationID))
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate messages: %w", err)
	}
	return nil
}

func (c *redisCache) GetActiveDataSource(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, bool, error) {
	return c.getUUID(ctx, activeKey(conversationID))
}

func (c *redisCache) SetActiveDataSource(ctx context.Context, conversationID, dataSourceID uuid.UUID) error {
	return c.guardedSet(ctx, conversationID, activeKey(conversationID), []byte(dataSourceID.String()))
}

func (c *redisCache) GetTurn(ctx context.Context, conversationID uuid.UUID) (*models.Turn, bool, error) {
	var turn models.Turn
	ok, err := c.getJSON(ctx, turnKey(conversationID), &turn)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &turn, true, nil
}

func (c *redisCache) SetTurn(ctx context.Context, turn *models.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}
	return c.guardedSet(ctx, turn.ConversationID, turnKey(turn.ConversationID), data)
}

func (c *redisCache) GetLastKnownGood(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	return c.getUUID(ctx, lastKnownKey(userID))
}

func (c *redisCache) SetLastKnownGood(ctx context.Context, userID, dataSourceID uuid.UUID) error {
	if err := c.client.Set(ctx, lastKnownKey(userID), dataSourceID.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set last known data source: %w", err)
	}
	return nil
}

func (c *redisCache) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, conversationKeys(conversationID)...)
		pipe.Set(ctx, tombstoneKey(conversationID), time.Now().UTC().Format(time.RFC3339), c.tombstoneTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete cached conversation: %w", err)
	}
	return nil
}

func (c *redisCache) IsTombstoned(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, tombstoneKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return n > 0, nil
}

// precondition is checked on a watched key before a guarded write.
type precondition struct {
	key   string
	check func(tx *redis.Tx) error
}

// guardedSet writes key unless the conversation is tombstoned or a
// precondition fails. Every key checked is watched, so a change landing between
// the check and the write aborts the write.
func (c *redisCache) guardedSet(ctx context.Context, conversationID uuid.UUID, key string, value []byte, conds ...precondition) error {
	tomb := tombstoneKey(conversationID)
	watched := []string{tomb}
	for _, cond := range conds {
		watched = append(watched, cond.key)
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, tomb).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrTombstoned
			}
			for _, cond := range conds {
				if err := cond.check(tx); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, value, c.ttl)
				return nil
			})
			return err
		}, watched...)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrTombstoned) && !errors.Is(err, ErrStaleMessages) {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
		return err
	}
	c.logger.Warn("Gave up writing session cache after concurrent deletes",
		zap.String("conversation_id", conversationID.String()))
	return ErrTombstoned
}

// readVersion reads a version counter; a missing counter is version 0.
func readVersion(cmd *redis.StringCmd) (int64, error) {
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read messages version: %w", err)
	}
	return n, nil
}

func (c *redisCache) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		c.logger.Warn("Discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.client.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (c *redisCache) getUUID(ctx context.Context, key string) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		_ = c.client.Del(ctx, key).Err()
		return uuid.Nil, false, nil
	}
	return id, true, nil
}
