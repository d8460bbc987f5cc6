package app

import (
	"fmt"
	"strings"
	"time"

	"postsched/internal/storage"
	"postsched/internal/task/scheduler"
)

const (
	defaultRetention     = 7 * 24 * time.Hour
	defaultPruneSchedule = "@every 1h"
)

// storagePlan is the journal config plus its maintenance schedule.
type storagePlan struct {
	cfg           storage.Config
	retention     time.Duration
	pruneSchedule string
}

func mapStorageConfig(cfg *Config) (storagePlan, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storagePlan{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storagePlan{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	retention, err := parseDurationOrDefault("storage.retention", sc.Retention, defaultRetention)
	if err != nil {
		return storagePlan{}, false, err
	}
	prune := strings.TrimSpace(sc.PruneSchedule)
	if prune == "" {
		prune = defaultPruneSchedule
	}
	if !strings.EqualFold(prune, "off") {
		if _, err := scheduler.ParseSchedule(prune); err != nil {
			return storagePlan{}, false, fmt.Errorf("storage.prune_schedule: %w", err)
		}
	}
	plan := storagePlan{retention: retention, pruneSchedule: prune}

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storagePlan{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		plan.cfg = storage.Config{Driver: "file", Path: path}
	case "sqlite", "sqlite3":
		if path == "" {
			return storagePlan{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storagePlan{}, false, err
		}
		plan.cfg = storage.Config{Driver: dl, Path: path, BusyTimeout: busy}
	default:
		return storagePlan{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
	return plan, true, nil
}
