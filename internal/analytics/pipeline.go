package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/metrics"
	"github.com/route-beacon/mesh-ingester/internal/model"
)

// flusher is the subset of Writer the Pipeline depends on, so tests can
// substitute a fake that fails on command.
type flusher interface {
	FlushBatch(ctx context.Context, rows []model.AnalyticalRow) error
}

// Pipeline batches rows appended from the correlation engine and flushes
// them on whichever of a size or time trigger fires first. A flush failure
// leaves the batch intact for the next trigger to retry, rather than
// dropping rows.
type Pipeline struct {
	writer        flusher
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	rows          chan model.AnalyticalRow
	done          chan struct{}
}

// NewPipeline builds a Pipeline. Call Run in its own goroutine, then Append
// from any number of callers.
func NewPipeline(writer flusher, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Pipeline{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		rows:          make(chan model.AnalyticalRow, batchSize*4),
		done:          make(chan struct{}),
	}
}

// Append enqueues a row. Satisfies correlation.AnalyticalWriter.
func (p *Pipeline) Append(row model.AnalyticalRow) {
	p.rows <- row
}

// Close signals Run to drain and exit after flushing whatever remains.
func (p *Pipeline) Close() {
	close(p.rows)
	<-p.done
}

// Run consumes appended rows until Close is called. ctx.Done() is a
// backstop, not the expected shutdown path: Close is what normally
// terminates Run (after one final flush attempt covering every row
// appended before the call; if that attempt fails the rows are not
// retried), but if ctx is cancelled first Run still drains whatever is
// already buffered in rows into that final flush, rather than dropping it.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)

	var batch []model.AnalyticalRow
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := p.writer.FlushBatch(flushCtx, batch)
		cancel()

		if err != nil {
			metrics.FlushFailuresTotal.WithLabelValues().Inc()
			metrics.FlushDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			p.logger.Error("analytics: flush failed, retrying next cycle",
				zap.Error(err), zap.Int("rows", len(batch)))
			return
		}

		metrics.FlushDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		metrics.FlushBatchSize.WithLabelValues().Observe(float64(len(batch)))
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			drain := true
			for drain {
				select {
				case row, ok := <-p.rows:
					if !ok {
						drain = false
						break
					}
					batch = append(batch, row)
				default:
					drain = false
				}
			}
			flush()
			return

		case row, ok := <-p.rows:
			if !ok {
				flush()
				return
			}
			batch = append(batch, row)
			if len(batch) >= p.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}
