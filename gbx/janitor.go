package gbx

import (
	"context"
	"fmt"
	"time"
)

// janitor purges published and processed records older than the retention
// period.
type janitor struct {
	settings Settings
	logger   Logger
	outbox   OutboxRepository
	inbox    InboxRepository
	clock    Clock
}

func (j *janitor) run(ctx context.Context) {
	ticker := time.NewTicker(j.settings.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.purge(ctx)
		}
	}
}

// purge deletes expired rows in batches until a batch comes back short.
func (j *janitor) purge(ctx context.Context) (outgoing, incoming int64) {
	before := j.clock.Now().Add(-j.settings.RetentionPeriod)
	outgoing = j.purgeInBatches(ctx, "outbox", func() (int64, error) {
		return j.outbox.PurgePublished(ctx, before, j.settings.BatchSize)
	})
	if j.inbox != nil {
		incoming = j.purgeInBatches(ctx, "inbox", func() (int64, error) {
			return j.inbox.PurgeProcessed(ctx, before, j.settings.BatchSize)
		})
	}
	if outgoing+incoming > 0 {
		j.logger.Info(fmt.Sprintf("purged %d outbox and %d inbox records older than %s", outgoing, incoming, before.Format(time.RFC3339)))
	}
	return outgoing, incoming
}

func (j *janitor) purgeInBatches(ctx context.Context, table string, fn func() (int64, error)) int64 {
	var total int64
	for ctx.Err() == nil {
		n, err := fn()
		if err != nil {
			j.logger.Error(fmt.Sprintf("when purging %s records", table), err)
			return total
		}
		total += n
		if n < int64(j.settings.BatchSize) {
			break
		}
	}
	return total
}
