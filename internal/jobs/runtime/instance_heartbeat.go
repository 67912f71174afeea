package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "warden:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

func InstanceID() string {
	return instanceID
}

// Instance is what each replica publishes about its exclusion cache.
type Instance struct {
	ID           string    `json:"id"`
	CacheVersion int64     `json:"cacheVersion"`
	Leader       bool      `json:"leader"`
	SeenAt       time.Time `json:"seenAt"`
}

// Reporter supplies the heartbeat payload.
type Reporter interface {
	LocalVersion() int64
	IsLeader() bool
}

func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, reporter Reporter, keyPrefix string, interval, ttl time.Duration) {
	heartbeatKey := keyPrefix + instanceID

	sendHeartbeat := func() {
		payload, err := json.Marshal(Instance{
			ID:           instanceID,
			CacheVersion: reporter.LocalVersion(),
			Leader:       reporter.IsLeader(),
			SeenAt:       time.Now().UTC(),
		})
		if err != nil {
			log.Error("Failed to encode instance heartbeat", "error", err)
			return
		}
		if err := client.SetEx(ctx, heartbeatKey, payload, ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = client.Del(cleanupCtx, heartbeatKey).Err()
			cancel()
			return
		case <-ticker.C:
			sendHeartbeat()
		}
	}
}

func LaunchInstanceHeartbeat(parent context.Context, client *redis.Client, reporter Reporter) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go StartInstanceHeartbeat(ctx, client, reporter, InstanceHeartbeatKeyPrefix, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	return cancel
}

// ActiveInstances lists the replicas whose heartbeat has not expired, ordered
// by id.
func ActiveInstances(ctx context.Context, client *redis.Client) ([]Instance, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, InstanceHeartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(values))
	for i, raw := range values {
		// expired between SCAN and MGET
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			log.Warn("Ignoring malformed instance heartbeat", "key", keys[i], "error", err)
			continue
		}
		if inst.ID == "" {
			inst.ID = strings.TrimPrefix(keys[i], InstanceHeartbeatKeyPrefix)
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}
