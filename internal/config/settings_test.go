package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func useSettingsFile(t *testing.T) string {
	t.Helper()
	preserveTimers(t)

	orig := settingsFilePath
	path := filepath.Join(t.TempDir(), "data", "settings.json")
	settingsFilePath = path
	t.Cleanup(func() { settingsFilePath = orig })
	return path
}

func TestReadSettingsCreatesDefaults(t *testing.T) {
	path := useSettingsFile(t)

	ReadSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not created: %v", err)
	}
	if string(data) != string(defaultConfig) {
		t.Fatal("created settings file differs from embedded defaults")
	}
	if got := GetConfig().ExclusionLists.BuildConcurrency; got != 8 {
		t.Fatalf("BuildConcurrency = %d, want 8", got)
	}
}

func TestReadSettingsAppliesFile(t *testing.T) {
	path := useSettingsFile(t)

	cfg := GetConfig()
	cfg.ExclusionLists.PollTimer = Timer{Seconds: 42}
	data, _ := json.Marshal(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	ReadSettings()

	if got := GetExclusionPollInterval(); got != 42*time.Second {
		t.Fatalf("GetExclusionPollInterval = %s, want 42s", got)
	}
}

func TestSetConfigRejectsNegativeValues(t *testing.T) {
	useSettingsFile(t)

	cfg := GetConfig()
	cfg.ExclusionLists.MaxListBytes = -1
	if err := SetConfig(cfg); err == nil {
		t.Fatal("SetConfig accepted a negative max_list_bytes")
	}
}

func TestSetConfigPersists(t *testing.T) {
	path := useSettingsFile(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := GetConfig()
	cfg.Seed.File = "seed.yaml"
	if err := SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	var stored Config
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("stored settings invalid: %v", err)
	}
	if stored.Seed.File != "seed.yaml" {
		t.Fatalf("stored seed file = %q, want seed.yaml", stored.Seed.File)
	}
}

func TestRedisSynchronization(t *testing.T) {
	path := useSettingsFile(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	EnableRedisSynchronization(context.Background(), client)
	t.Cleanup(DisableRedisSynchronization)

	if !mr.Exists(redisSettingsKey) {
		t.Fatal("local settings were not published on first sync")
	}

	remote := GetConfig()
	remote.ExclusionLists.PollTimer = Timer{Seconds: 77}
	payload, _ := json.Marshal(remote)
	message, _ := json.Marshal(settingsEnvelope{Origin: "other-instance", Config: payload})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mr.Publish(redisSettingsChannel, string(message))
		if GetExclusionPollInterval() == 77*time.Second {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("remote update not applied, poll interval = %s", GetExclusionPollInterval())
}
