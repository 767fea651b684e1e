package main

import (
	"context"
	"log"
	"sync"
	"time"

	"proctord/internal/database"
	"proctord/internal/evidence"
	"proctord/internal/telegram"
)

const janitorInterval = time.Hour

// runJanitor purges incidents and evidence older than retention and drops
// stale alert cooldowns. A zero retention keeps everything.
func runJanitor(ctx context.Context, db *database.Database, store *evidence.DiskStore, bot *telegram.TelegramBot, retention time.Duration, wg *sync.WaitGroup, logger *log.Logger) {
	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()

		for {
			if retention > 0 {
				purge(ctx, db, store, retention, logger)
			}
			bot.CleanupCooldownTracking()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func purge(ctx context.Context, db *database.Database, store *evidence.DiskStore, retention time.Duration, logger *log.Logger) {
	n, err := db.DeleteOldIncidents(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Printf("[janitor] failed to delete old incidents: %v", err)
	} else if n > 0 {
		logger.Printf("[janitor] deleted %d incidents older than %s", n, retention)
	}

	removed, err := store.CleanupOlderThan(retention)
	if err != nil {
		logger.Printf("[janitor] failed to clean up evidence: %v", err)
	} else if removed > 0 {
		logger.Printf("[janitor] removed %d evidence frames", removed)
	}
}
