package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/download_service/internal/logctx"
)

// Expirer forgets finished downloads, releasing their buffered bodies.
type Expirer interface {
	ForgetFinishedBefore(cutoff time.Time) int
}

// DeleteExpired forgets downloads that finished more than keepDuration ago.
func DeleteExpired(ctx context.Context, e Expirer, keepDuration time.Duration) int {
	n := e.ForgetFinishedBefore(time.Now().Add(-keepDuration))
	if n > 0 {
		logctx.LoggerFromContext(ctx).Info("deleted expired downloads", "count", n, "retention", keepDuration.String())
	}

	return n
}

// Run calls DeleteExpired every interval until ctx is done.
func Run(ctx context.Context, e Expirer, keepDuration, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			DeleteExpired(ctx, e, keepDuration)
		}
	}
}
