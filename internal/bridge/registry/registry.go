// Package registry publishes bridge instances and their page occupancy
// to Redis so crawl routers can pick the least loaded bridge.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/common/redis"
)

const (
	serviceKeyPrefix = "service:bridge:"
	serviceListKey   = "services:bridge:list"
	// RegistryTTL allows 2 missed heartbeats before a bridge drops out
	RegistryTTL       = 3 * time.Second
	HeartbeatInterval = 1 * time.Second
)

type ServiceRegistry struct {
	redis  *redis.Client
	logger *zap.Logger
}

type ServiceInfo struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Capacity int               `json:"capacity"`
	Load     int               `json:"load"`
	LastSeen time.Time         `json:"last_seen"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (si *ServiceInfo) URL() string {
	return fmt.Sprintf("http://%s:%d", si.Address, si.Port)
}

func (si *ServiceInfo) IsHealthy() bool {
	return time.Now().UTC().Sub(si.LastSeen) < RegistryTTL
}

func (si *ServiceInfo) LoadPercentage() float64 {
	if si.Capacity <= 0 {
		return 100.0
	}
	return float64(si.Load) / float64(si.Capacity) * 100.0
}

// SetMetadata populates the metadata map with page budget and hostname
func (si *ServiceInfo) SetMetadata(pageBudget int, available int, hostname string) {
	if si.Metadata == nil {
		si.Metadata = make(map[string]string)
	}
	si.Metadata["page_budget"] = fmt.Sprintf("%d", pageBudget)
	si.Metadata["available"] = fmt.Sprintf("%d", available)
	si.Metadata["hostname"] = hostname
}

func NewServiceRegistry(redisClient *redis.Client, logger *zap.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		redis:  redisClient,
		logger: logger,
	}
}

func (sr *ServiceRegistry) RegisterService(ctx context.Context, info *ServiceInfo) error {
	if info.ID == "" {
		return fmt.Errorf("service ID is required")
	}
	if info.Address == "" {
		return fmt.Errorf("service address is required")
	}
	if info.Port <= 0 {
		return fmt.Errorf("service port must be positive")
	}

	info.LastSeen = time.Now().UTC()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal service info: %w", err)
	}

	serviceKey := serviceKeyPrefix + info.ID

	if err := sr.redis.Set(ctx, serviceKey, data, RegistryTTL); err != nil {
		sr.logger.Error("Failed to register service",
			zap.String("service_id", info.ID),
			zap.Error(err))
		return fmt.Errorf("failed to register service: %w", err)
	}

	if err := sr.redis.HSet(ctx, serviceListKey, info.ID, info.URL()); err != nil {
		sr.logger.Error("Failed to add service to list",
			zap.String("service_id", info.ID),
			zap.Error(err))
		return fmt.Errorf("failed to add service to list: %w", err)
	}

	return nil
}

func (sr *ServiceRegistry) UnregisterService(ctx context.Context, serviceID string) error {
	if serviceID == "" {
		return fmt.Errorf("service ID is required")
	}

	serviceKey := serviceKeyPrefix + serviceID

	exists, err := sr.redis.Exists(ctx, serviceKey)
	if err != nil {
		return fmt.Errorf("failed to check service existence: %w", err)
	}

	if !exists {
		sr.logger.Warn("Attempted to unregister non-existent service",
			zap.String("service_id", serviceID))
		return nil
	}

	if err := sr.redis.Del(ctx, serviceKey); err != nil {
		sr.logger.Error("Failed to delete service key",
			zap.String("service_id", serviceID),
			zap.Error(err))
		return fmt.Errorf("failed to delete service: %w", err)
	}

	if err := sr.redis.HDel(ctx, serviceListKey, serviceID); err != nil {
		sr.logger.Error("Failed to remove service from list",
			zap.String("service_id", serviceID),
			zap.Error(err))
	}

	sr.logger.Info("Service unregistered",
		zap.String("service_id", serviceID))

	return nil
}

func (sr *ServiceRegistry) GetService(ctx context.Context, serviceID string) (*ServiceInfo, error) {
	if serviceID == "" {
		return nil, fmt.Errorf("service ID is required")
	}

	serviceKey := serviceKeyPrefix + serviceID
	data, err := sr.redis.Get(ctx, serviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}

	if data == "" {
		return nil, nil
	}

	var info ServiceInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service info: %w", err)
	}

	return &info, nil
}

// ListServices returns every registered bridge sorted by load, least
// loaded first.
func (sr *ServiceRegistry) ListServices(ctx context.Context) ([]*ServiceInfo, error) {
	keys, err := sr.redis.Keys(ctx, serviceKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list service keys: %w", err)
	}

	services := make([]*ServiceInfo, 0, len(keys))
	for _, key := range keys {
		data, err := sr.redis.Get(ctx, key)
		if err != nil {
			sr.logger.Warn("Failed to get service data",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		if data == "" {
			continue
		}

		var info ServiceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			sr.logger.Warn("Skipping malformed service entry",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		services = append(services, &info)
	}

	sort.Slice(services, func(i, j int) bool {
		return services[i].LoadPercentage() < services[j].LoadPercentage()
	})

	return services, nil
}
