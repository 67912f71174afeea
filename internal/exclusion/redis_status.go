package exclusion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStatusKey     = "warden:exclusion_list:status"
	DefaultStatusChannel = "warden:exclusion_list:refresh"

	fieldRefreshVersion = "refresh_version"
	fieldCacheVersion   = "cache_version"
	fieldInProgress     = "in_progress"

	subscribeRetryDelay = time.Second
)

var bumpScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local current = tonumber(redis.call("HGET", KEYS[1], ARGV[2]) or "0")
local version = now
if version <= current then
	version = current + 1
end
redis.call("HSET", KEYS[1], ARGV[2], version)
return version`)

// writeScript applies a StatusPatch in one step. Empty arguments are skipped
// and the refresh version is only raised.
var writeScript = redis.NewScript(`
if ARGV[2] ~= "" then
	local current = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
	if tonumber(ARGV[2]) > current then
		redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	end
end
if ARGV[4] ~= "" then
	redis.call("HSET", KEYS[1], ARGV[3], ARGV[4])
end
if ARGV[6] ~= "" then
	redis.call("HSET", KEYS[1], ARGV[5], ARGV[6])
end
return 1`)

// RedisStatusStore keeps Status in a Redis hash shared by every instance and
// announces refresh bumps on a pub/sub channel.
type RedisStatusStore struct {
	client  *redis.Client
	key     string
	channel string
	now     func() time.Time
}

func NewRedisStatusStore(client *redis.Client) *RedisStatusStore {
	return &RedisStatusStore{
		client:  client,
		key:     DefaultStatusKey,
		channel: DefaultStatusChannel,
		now:     time.Now,
	}
}

func (r *RedisStatusStore) ReadStatus(ctx context.Context) (Status, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Status{}, fmt.Errorf("exclusion: read status: %w", err)
	}

	var status Status
	if status.RefreshVersion, err = parseVersionField(values, fieldRefreshVersion); err != nil {
		return Status{}, err
	}
	if status.CacheVersion, err = parseVersionField(values, fieldCacheVersion); err != nil {
		return Status{}, err
	}
	status.InProgress = values[fieldInProgress] == "1"
	return status, nil
}

func parseVersionField(values map[string]string, field string) (int64, error) {
	raw, ok := values[field]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("exclusion: status field %s=%q: %w", field, raw, err)
	}
	return v, nil
}

func (r *RedisStatusStore) WriteStatus(ctx context.Context, patch StatusPatch) error {
	if patch.empty() {
		return nil
	}

	var refresh, cache, progress string
	if patch.RefreshVersion != nil {
		refresh = strconv.FormatInt(*patch.RefreshVersion, 10)
	}
	if patch.CacheVersion != nil {
		cache = strconv.FormatInt(*patch.CacheVersion, 10)
	}
	if patch.InProgress != nil {
		progress = "0"
		if *patch.InProgress {
			progress = "1"
		}
	}

	args := []any{fieldRefreshVersion, refresh, fieldCacheVersion, cache, fieldInProgress, progress}
	if err := writeScript.Run(ctx, r.client, []string{r.key}, args...).Err(); err != nil {
		return fmt.Errorf("exclusion: write status: %w", err)
	}
	return nil
}

func (r *RedisStatusStore) BumpRefreshVersion(ctx context.Context) (int64, error) {
	res, err := bumpScript.Run(ctx, r.client, []string{r.key}, r.now().UnixMilli(), fieldRefreshVersion).Int64()
	if err != nil {
		return 0, fmt.Errorf("exclusion: bump refresh version: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, res).Err(); err != nil {
		// the bump is stored; pollers still pick it up
		log.Warn("Exclusion refresh notification failed", "version", res, "error", err)
	}
	return res, nil
}

// Watch subscribes to refresh bumps from any instance until ctx is done.
func (r *RedisStatusStore) Watch(ctx context.Context, notify func()) error {
	for {
		err := r.subscribe(ctx, notify)
		if ctx.Err() != nil {
			return nil
		}
		log.Error("Exclusion refresh subscription error", "channel", r.channel, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(subscribeRetryDelay):
		}
	}
}

func (r *RedisStatusStore) subscribe(ctx context.Context, notify func()) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	// events published while we were disconnected are lost; catch up once
	notify()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return err
			}
			return fmt.Errorf("receive: %w", err)
		}
		log.Debug("Exclusion refresh event", "version", msg.Payload)
		notify()
	}
}
