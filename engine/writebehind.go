package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/index"
	"github.com/codai-ecosystem/memorai-go/internal/metrics"
)

// writeBehind applies access-bump payload patches off the recall path.
// Updates are best-effort: a full queue drops the update and a failed patch
// is logged, never surfaced to the caller.
type writeBehind struct {
	jobs    chan func(ctx context.Context)
	logger  *zap.Logger
	metrics *metrics.Collector

	wg   sync.WaitGroup
	once sync.Once
}

func newWriteBehind(buffer int, logger *zap.Logger, collector *metrics.Collector) *writeBehind {
	if buffer <= 0 {
		buffer = 1024
	}
	wb := &writeBehind{
		jobs:    make(chan func(ctx context.Context), buffer),
		logger:  logger.With(zap.String("component", "write_behind")),
		metrics: collector,
	}
	wb.wg.Add(1)
	go wb.worker()
	return wb
}

func (wb *writeBehind) worker() {
	defer wb.wg.Done()
	for job := range wb.jobs {
		// Each patch gets its own short budget, detached from the request
		// context that triggered it.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job(ctx)
		cancel()
	}
}

// bumpAccess enqueues a last_accessed/access_count patch for id.
func (wb *writeBehind) bumpAccess(idx index.Index, id string, accessCount int64, at time.Time) {
	job := func(ctx context.Context) {
		patch := map[string]any{
			index.KeyLastAccessed: float64(at.Unix()),
			index.KeyAccessCount:  float64(accessCount),
		}
		if err := idx.SetPayload(ctx, id, patch); err != nil {
			wb.logger.Warn("access bump failed", zap.String("id", id), zap.Error(err))
		}
	}
	select {
	case wb.jobs <- job:
	default:
		wb.metrics.RecordWriteBehindDrop()
		wb.logger.Debug("write-behind queue full, dropping access bump", zap.String("id", id))
	}
}

// flush blocks until every queued update has been applied. Test hook.
func (wb *writeBehind) flush() {
	done := make(chan struct{})
	wb.jobs <- func(context.Context) { close(done) }
	<-done
}

// close stops the worker after draining the queue.
func (wb *writeBehind) close() {
	wb.once.Do(func() { close(wb.jobs) })
	wb.wg.Wait()
}
