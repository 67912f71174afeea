package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisSettingsKey     = "warden:config:settings"
	redisSettingsChannel = "warden:config:updates"
	redisOpTimeout       = 5 * time.Second
)

// settingsEnvelope tags a broadcast with the publishing instance so it can
// skip its own echo.
type settingsEnvelope struct {
	Origin string          `json:"origin"`
	Config json.RawMessage `json:"config"`
}

type redisSync struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	origin string
	done   chan struct{}
}

var settingsSync redisSync

// EnableRedisSynchronization shares settings between instances through redis.
// A stored configuration wins over the local file; otherwise the local one is
// published.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Settings sync disabled: redis client is nil")
		return
	}

	syncCtx, cancel := context.WithCancel(ctx)

	settingsSync.mu.Lock()
	if settingsSync.client != nil {
		settingsSync.mu.Unlock()
		cancel()
		return
	}
	settingsSync.client = client
	settingsSync.ctx = syncCtx
	settingsSync.cancel = cancel
	settingsSync.origin = uuid.NewString()
	settingsSync.done = make(chan struct{})
	origin, done := settingsSync.origin, settingsSync.done
	settingsSync.mu.Unlock()

	loaded, err := loadSettingsFromRedis(syncCtx, client)
	if err != nil {
		log.Error("Settings sync: failed to load from redis", "error", err)
	}
	if !loaded {
		payload, err := json.Marshal(GetConfig())
		if err != nil {
			log.Error("Settings sync: failed to serialize settings", "error", err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Settings sync: failed to publish settings", "error", err)
		}
	}

	go func() {
		defer close(done)
		subscribeToSettings(syncCtx, client, origin)
	}()
}

// DisableRedisSynchronization stops the subscription and waits for it to exit.
func DisableRedisSynchronization() {
	settingsSync.mu.Lock()
	cancel, done := settingsSync.cancel, settingsSync.done
	settingsSync.client = nil
	settingsSync.ctx = nil
	settingsSync.cancel = nil
	settingsSync.done = nil
	settingsSync.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func loadSettingsFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisSettingsKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return true, err
	}
	return true, applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"})
}

func subscribeToSettings(ctx context.Context, client *redis.Client, origin string) {
	pubsub := client.Subscribe(ctx, redisSettingsChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Settings sync: subscription error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var env settingsEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Error("Settings sync: invalid payload", "error", err)
			continue
		}
		if env.Origin == origin {
			continue
		}

		var cfg Config
		if err := json.Unmarshal(env.Config, &cfg); err != nil {
			log.Error("Settings sync: invalid settings", "origin", env.Origin, "error", err)
			continue
		}
		if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Settings sync: failed to apply remote update", "error", err)
		}
	}
}

func broadcastConfigUpdate(payload []byte) error {
	settingsSync.mu.RLock()
	client, baseCtx, origin := settingsSync.client, settingsSync.ctx, settingsSync.origin
	settingsSync.mu.RUnlock()

	if client == nil || len(payload) == 0 {
		return nil
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	message, err := json.Marshal(settingsEnvelope{Origin: origin, Config: payload})
	if err != nil {
		return err
	}

	if err := client.Set(opCtx, redisSettingsKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisSettingsChannel, message).Err()
}
