package app

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"warden/internal/app/bootstrap"
	"warden/internal/app/server"
	"warden/internal/authorization"
	"warden/internal/config"
	"warden/internal/exclusion"
	"warden/internal/jobs/runtime"
	"warden/internal/support"
)

const defaultPort = 8082

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", defaultPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	log.SetLevel(logLevel(*productionFlag))

	// .env is loaded after package init
	authorization.SetSecret(os.Getenv("JWT_SECRET"))
	if !authorization.Enabled() {
		log.Warn("JWT_SECRET not set, mutating routes are open")
	}

	port := resolvePort("PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Setup()
	if err != nil {
		return err
	}
	defer func() {
		if err := services.Close(); err != nil {
			log.Warn("Error closing stores", "error", err)
		}
	}()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := services.Coordinator.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if services.Redis != nil {
		config.EnableRedisSynchronization(ctx, services.Redis)
		defer config.DisableRedisSynchronization()

		heartbeatCancel := runtime.LaunchInstanceHeartbeat(ctx, services.Redis, services.Coordinator)
		defer heartbeatCancel()

		group.Go(func() error {
			err := support.RunWithLeader(ctx, services.Redis, exclusion.LeaderLockKey, leaseTTL(), func(leaderCtx context.Context) {
				go runSeed(leaderCtx, services)
				services.Coordinator.Lead(leaderCtx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		go runSeed(ctx, services)
	}

	group.Go(func() error {
		return server.OpenRoutes(ctx, port, server.Deps{
			Lists:       services.Lists,
			Cache:       services.Cache,
			Coordinator: services.Coordinator,
			Redis:       services.Redis,
		})
	})

	err = group.Wait()
	log.Info("warden stopped")
	return err
}

// runSeed applies the seed manifest once and, when enabled, keeps following
// it until ctx is done.
func runSeed(ctx context.Context, services *bootstrap.Services) {
	if services.Seed == nil {
		return
	}
	if _, err := services.Seed.Apply(ctx); err != nil {
		log.Warn("Seed manifest not fully applied", "path", services.Seed.Path(), "error", err)
	}
	if !seedWatch() {
		return
	}
	if err := services.Seed.Watch(ctx); err != nil {
		log.Error("Seed watcher stopped", "error", err)
	}
}

// leaseTTL lets LEADER_LEASE_TTL override the configured lease timer.
func leaseTTL() time.Duration {
	return support.GetEnvDuration("LEADER_LEASE_TTL", config.GetLeaseTTL())
}

func seedWatch() bool {
	return support.GetEnvBool("EXCLUSION_SEED_WATCH", config.GetConfig().Seed.Watch)
}

func logLevel(production bool) log.Level {
	fallback := "debug"
	if production {
		fallback = "info"
	}
	level, err := log.ParseLevel(support.GetEnv("LOG_LEVEL", fallback))
	if err != nil {
		log.Warn("Invalid LOG_LEVEL, using default", "value", os.Getenv("LOG_LEVEL"))
		level, _ = log.ParseLevel(fallback)
	}
	return level
}

func resolvePort(envKey string, fallback int) int {
	if port := readPort(envKey); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
