package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/common/redis"
)

// LeaseBoard mirrors a bridge's active page leases into a Redis hash so
// routers can see which requests occupy which slots. The hash carries
// the registry TTL and disappears with the bridge.
type LeaseBoard struct {
	redis     *redis.Client
	serviceID string
	leasesKey string // "leases:bridge-1"
	logger    *zap.Logger
}

// NewLeaseBoard creates a lease board for one bridge instance.
func NewLeaseBoard(redisClient *redis.Client, serviceID string, logger *zap.Logger) *LeaseBoard {
	return &LeaseBoard{
		redis:     redisClient,
		serviceID: serviceID,
		leasesKey: fmt.Sprintf("leases:%s", serviceID),
		logger:    logger,
	}
}

// SyncLeases refreshes the board:
// - If the hash exists: only refresh TTL (lightweight)
// - If missing: rebuild it from the current lease snapshot
func (lb *LeaseBoard) SyncLeases(ctx context.Context, leases map[string]string, capacity int) error {
	exists, err := lb.redis.Exists(ctx, lb.leasesKey)
	if err != nil {
		return fmt.Errorf("failed to check lease board existence: %w", err)
	}

	if exists {
		return lb.redis.Expire(ctx, lb.leasesKey, RegistryTTL)
	}

	pipe := lb.redis.GetClient().Pipeline()

	pipe.HSet(ctx, lb.leasesKey, "capacity", fmt.Sprintf("%d", capacity))
	for leaseID, requestID := range leases {
		pipe.HSet(ctx, lb.leasesKey, leaseID, requestID)
	}
	pipe.Expire(ctx, lb.leasesKey, RegistryTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to rebuild lease board: %w", err)
	}

	lb.logger.Info("Rebuilt lease board in Redis",
		zap.String("leases_key", lb.leasesKey),
		zap.Int("capacity", capacity),
		zap.Int("active_leases", len(leases)))

	return nil
}

// ExtendTTL refreshes the board TTL.
func (lb *LeaseBoard) ExtendTTL(ctx context.Context, ttl time.Duration) error {
	return lb.redis.Expire(ctx, lb.leasesKey, ttl)
}

// CountLeases counts active lease entries on the board.
func (lb *LeaseBoard) CountLeases(ctx context.Context) int {
	all, err := lb.redis.HGetAll(ctx, lb.leasesKey)
	if err != nil {
		lb.logger.Error("Failed to count leases", zap.Error(err))
		return 0
	}

	count := 0
	for field, value := range all {
		if field == "capacity" || value == "" {
			continue
		}
		count++
	}
	return count
}

// Clear removes the board, called during shutdown.
func (lb *LeaseBoard) Clear(ctx context.Context) error {
	if err := lb.redis.Del(ctx, lb.leasesKey); err != nil {
		return fmt.Errorf("failed to delete lease board: %w", err)
	}

	lb.logger.Info("Deleted lease board from Redis", zap.String("leases_key", lb.leasesKey))
	return nil
}

// Key returns the Redis key of this bridge's lease board.
func (lb *LeaseBoard) Key() string {
	return lb.leasesKey
}
