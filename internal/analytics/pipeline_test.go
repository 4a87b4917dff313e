package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/model"
)

type fakeFlusher struct {
	mu        sync.Mutex
	calls     [][]model.AnalyticalRow
	failNext  int
	failErr   error
	flushedCh chan struct{}
}

func (f *fakeFlusher) FlushBatch(ctx context.Context, rows []model.AnalyticalRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]model.AnalyticalRow, len(rows))
	copy(cp, rows)
	f.calls = append(f.calls, cp)

	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	if f.flushedCh != nil {
		f.flushedCh <- struct{}{}
	}
	return nil
}

func (f *fakeFlusher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFlusher) lastBatch() []model.AnalyticalRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func row(nodeID string) model.AnalyticalRow {
	return model.AnalyticalRow{DeviceID: nodeID, Timestamp: time.Unix(1_700_000_000, 0)}
}

func TestPipeline_FlushesOnBatchSize(t *testing.T) {
	flusher := &fakeFlusher{flushedCh: make(chan struct{}, 4)}
	p := NewPipeline(flusher, 2, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Append(row("!1"))
	p.Append(row("!2"))

	select {
	case <-flusher.flushedCh:
	case <-time.After(time.Second):
		t.Fatal("expected a flush once the batch reached its size trigger")
	}
	if flusher.callCount() != 1 || len(flusher.lastBatch()) != 2 {
		t.Fatalf("expected one flush of 2 rows, got %d calls", flusher.callCount())
	}
}

func TestPipeline_FlushesOnTimer(t *testing.T) {
	flusher := &fakeFlusher{flushedCh: make(chan struct{}, 4)}
	p := NewPipeline(flusher, 100, 20*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Append(row("!1"))

	select {
	case <-flusher.flushedCh:
	case <-time.After(time.Second):
		t.Fatal("expected the timer trigger to flush a partial batch")
	}
	if got := flusher.lastBatch(); len(got) != 1 {
		t.Fatalf("expected the single pending row to be flushed, got %d", len(got))
	}
}

func TestPipeline_FailedFlushRetainsBatchForRetry(t *testing.T) {
	flusher := &fakeFlusher{failNext: 1, failErr: errors.New("connection refused"), flushedCh: make(chan struct{}, 4)}
	p := NewPipeline(flusher, 1, 15*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Append(row("!1"))

	select {
	case <-flusher.flushedCh:
	case <-time.After(time.Second):
		t.Fatal("expected the retried flush to eventually succeed")
	}

	if flusher.callCount() < 2 {
		t.Fatalf("expected at least 2 flush attempts (fail then retry), got %d", flusher.callCount())
	}
	for _, call := range flusher.calls {
		if len(call) != 1 || call[0].DeviceID != "!1" {
			t.Fatalf("expected the failed row to survive for retry, got %+v", call)
		}
	}
}

func TestPipeline_CtxCancellationDrainsBufferedRowsBeforeReturning(t *testing.T) {
	flusher := &fakeFlusher{}
	p := NewPipeline(flusher, 100, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	p.Append(row("!1"))
	p.Append(row("!2"))

	// Give the rows a moment to land in the channel before cancelling, so
	// Run's ctx.Done() branch finds them still buffered rather than racing
	// Append.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-p.done

	if got := flusher.lastBatch(); len(got) != 2 {
		t.Fatalf("expected cancellation to flush the 2 buffered rows, got %d", len(got))
	}
}

func TestPipeline_CloseFlushesRemainder(t *testing.T) {
	flusher := &fakeFlusher{}
	p := NewPipeline(flusher, 100, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Append(row("!1"))
	p.Append(row("!2"))
	p.Close()

	if got := flusher.lastBatch(); len(got) != 2 {
		t.Fatalf("expected Close to flush the 2 remaining rows, got %d", len(got))
	}
}
