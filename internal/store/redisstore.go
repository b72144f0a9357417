package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxline/conductor/model"
)

const (
	instanceKeyPrefix = "conductor:instance:"
	instanceIndexKey  = "conductor:instances"
	expiryIndexKey    = "conductor:instances:expiry"
)

// RedisStore is a Redis-backed Store using go-redis/v9. Instances are
// JSON documents; Save runs under WATCH so a concurrent writer aborts the
// transaction and surfaces as a VERSION_CONFLICT.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func instanceKey(instanceID string) string {
	return instanceKeyPrefix + instanceID
}

// Create persists a new workflow instance.
func (s *RedisStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal workflow instance: %w", err)
	}

	ok, err := s.client.SetNX(ctx, instanceKey(inst.InstanceID), doc, 0).Result()
	if err != nil {
		return fmt.Errorf("create workflow instance: %w", err)
	}
	if !ok {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.InstanceID),
		)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, instanceIndexKey, inst.InstanceID)
	if inst.ExpiresAt != nil {
		pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
			Score:  float64(inst.ExpiresAt.Unix()),
			Member: inst.InstanceID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *RedisStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	doc, err := s.client.Get(ctx, instanceKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("get workflow instance: %w", err)
	}

	var inst model.WorkflowInstance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal workflow instance: %w", err)
	}
	return inst, nil
}

// Save persists an updated instance under WATCH. The version check runs
// inside the watched section, so either the stored version is stale
// (VERSION_CONFLICT) or a concurrent writer aborts the transaction,
// which is reported the same way.
func (s *RedisStore) Save(ctx context.Context, inst model.WorkflowInstance, expectedVersion int) error {
	key := instanceKey(inst.InstanceID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		doc, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.NewNotFoundError(
				fmt.Sprintf("workflow instance %q not found", inst.InstanceID),
			)
		}
		if err != nil {
			return fmt.Errorf("get workflow instance: %w", err)
		}

		var stored model.WorkflowInstance
		if err := json.Unmarshal(doc, &stored); err != nil {
			return fmt.Errorf("unmarshal workflow instance: %w", err)
		}
		if stored.Version != expectedVersion {
			return model.NewVersionConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d, stored %d)",
					inst.InstanceID, expectedVersion, stored.Version),
			)
		}

		inst.Version = expectedVersion + 1
		updated, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("marshal workflow instance: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if inst.ExpiresAt != nil {
				pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
					Score:  float64(inst.ExpiresAt.Unix()),
					Member: inst.InstanceID,
				})
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return model.NewVersionConflictError(
			fmt.Sprintf("workflow instance %q modified concurrently", inst.InstanceID),
		)
	}
	return err
}

// List returns instance summaries matching the filters, newest first.
func (s *RedisStore) List(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, error) {
	ids, err := s.client.SMembers(ctx, instanceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflow instances: %w", err)
	}

	var result []model.InstanceSummary
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filters.WorkflowID != "" && inst.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, model.InstanceSummary{
			InstanceID:   inst.InstanceID,
			WorkflowID:   inst.WorkflowID,
			CurrentState: inst.CurrentState,
			Status:       inst.Status,
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.LastTransitionAt,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.InstanceSummary{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// FindExpired returns active instances past their expiration time, using
// the expiry index.
func (s *RedisStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()+1),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query expiry index: %w", err)
	}

	var result []model.WorkflowInstance
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if inst.Status != model.StatusActive {
			continue
		}
		if inst.ExpiresAt == nil || !inst.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, inst)
	}
	return result, nil
}

// Delete removes a workflow instance and its index entries.
func (s *RedisStore) Delete(ctx context.Context, instanceID string) error {
	removed, err := s.client.Del(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}
	if removed == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	pipe := s.client.Pipeline()
	pipe.SRem(ctx, instanceIndexKey, instanceID)
	pipe.ZRem(ctx, expiryIndexKey, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deindex workflow instance: %w", err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
