// Package bootstrap assembles the exclusion list services from configuration.
package bootstrap

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"warden/internal/config"
	"warden/internal/database"
	"warden/internal/exclusion"
	"warden/internal/lists"
	"warden/internal/seed"
	"warden/internal/storage"
	"warden/internal/support"
)

// Services is everything the API and background loops share.
type Services struct {
	Content     *storage.ContentStore
	Status      exclusion.StatusStore
	Lists       *lists.Service
	Cache       *exclusion.Cache
	Coordinator *exclusion.Coordinator
	Seed        *seed.Importer
	// Redis is nil when REDIS_URL is unset; the instance then leads alone.
	Redis *redis.Client
}

// Setup reads settings, opens the database, content store and redis, and
// wires the exclusion cache.
func Setup() (*Services, error) {
	config.ReadSettings()

	if _, err := database.SetupDB(); err != nil {
		return nil, fmt.Errorf("set up database: %w", err)
	}
	config.SetBetweenTime()

	content, err := storage.OpenFromEnv()
	if err != nil {
		_ = database.CloseDB()
		return nil, fmt.Errorf("open content store: %w", err)
	}

	svc := &Services{Content: content, Cache: exclusion.NewCache()}

	client, err := support.GetRedisClient()
	switch {
	case errors.Is(err, support.ErrRedisDisabled):
		log.Warn("REDIS_URL not set, running as a single instance")
		svc.Status = exclusion.NewMemoryStatusStore()
	case err != nil:
		_ = svc.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	default:
		svc.Redis = client
		svc.Status = exclusion.NewRedisStatusStore(client)
	}

	svc.Lists = lists.NewService(content, svc.Status)

	builder := exclusion.NewBuilder(
		lists.NewSource(content, config.GetMaxListBytes()),
		exclusion.WithFetchTimeout(config.GetFetchTimeout()),
		exclusion.WithMaxListBytes(config.GetMaxListBytes()),
		exclusion.WithBuildConcurrency(config.GetBuildConcurrency()),
	)
	svc.Coordinator = exclusion.NewCoordinator(svc.Cache, builder, svc.Status,
		exclusion.WithPollInterval(config.GetExclusionPollInterval()),
		exclusion.WithIntervalUpdates(config.ExclusionPollIntervalUpdates()),
		exclusion.WithLeadership(svc.Redis == nil),
	)

	if path := seedFile(); path != "" {
		svc.Seed = seed.NewImporter(svc.Lists, path)
	}

	return svc, nil
}

func seedFile() string {
	return support.GetEnv("EXCLUSION_SEED_FILE", config.GetConfig().Seed.File)
}

// Close releases the stores opened by Setup.
func (s *Services) Close() error {
	var errs []error
	if s.Content != nil {
		errs = append(errs, s.Content.Close())
	}
	if s.Redis != nil {
		errs = append(errs, support.CloseRedisClient())
	}
	errs = append(errs, database.CloseDB())
	return errors.Join(errs...)
}
