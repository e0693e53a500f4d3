package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/queue"
)

// Cleanup purges synced records older than retention once immediately and
// then every interval until ctx is done.
func Cleanup(ctx context.Context, store queue.Store, interval, retention time.Duration) {
	purge := func() {
		n, err := store.PurgeSynced(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to purge synced events")
			}
			return
		}
		if n > 0 {
			log.Info().Int64("purged", n).Dur("retention", retention).Msg("Purged synced events")
		}
	}

	purge()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}
