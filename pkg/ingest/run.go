package ingest

import (
	"context"
	"os"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// Run reconciles once, then on every tick and every watch notification,
// until ctx is cancelled. When the watch cannot be established the periodic
// sweep alone drives ingestion.
func (i *Ingestor) Run(ctx context.Context) {
	if _, err := os.Stat(i.inbox); err != nil {
		i.logger.ErrorContext(ctx, "icloud_inbox_unavailable",
			"source", requests.SourceBroker,
			"stage", requests.StageIngest,
			"retriable", true,
			"error_message", "iCloud inbox is not readable: "+i.inbox,
		)
	}

	var watchC <-chan struct{}
	if w, err := NewWatcher(i.inbox, i.logger); err != nil {
		i.logger.WarnContext(ctx, "icloud_watch_unavailable",
			"source", requests.SourceBroker,
			"stage", requests.StageIngest,
			"retriable", true,
			"error_message", "fs watch unavailable for inbox: "+i.inbox,
			"error", err,
		)
	} else {
		go w.Run(ctx)
		watchC = w.C()
		i.logger.InfoContext(ctx, "icloud_watch_started", "stage", requests.StageIngest, "inbox", i.inbox)
	}

	i.reconcile(ctx)

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-watchC:
		}
		i.reconcile(ctx)
	}
}

// reconcile runs Reconcile in the background so a slow stability window
// never blocks the loop; overlapping runs are dropped by the in-flight flag.
func (i *Ingestor) reconcile(ctx context.Context) {
	go func() {
		if _, err := i.Reconcile(ctx); err != nil && ctx.Err() == nil {
			i.logger.DebugContext(ctx, "inbox reconcile failed", "error", err)
		}
	}()
}
