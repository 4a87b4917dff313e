// Package pending buffers events that arrived before the node state needed
// to fully join them was known: telemetry readings ahead of a first
// position fix (C7, persisted), and name/hardware info ahead of a first
// position fix (C8, in-memory only).
package pending

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/model"
)

// MaxAge is the sensor-timestamp age at which a buffered telemetry entry
// is dropped on reload or drain; an entry exactly MaxAge old is dropped.
const MaxAge = 7 * 24 * time.Hour

// MaxFuture is how far ahead of now a sensor timestamp may be before the
// entry carrying it is rejected: by the correlation engine on arrival, and
// by isExpired on reload or drain.
const MaxFuture = 30 * time.Second

type telemetryEnvelope struct {
	Queues  map[string][]model.PendingTelemetryEntry `json:"pending_telemetry"`
	SavedAt int64                                     `json:"saved_at"`
}

// Telemetry is one source's pending-telemetry buffer, keyed by node id.
type Telemetry struct {
	mu     sync.Mutex
	log    *zap.Logger
	path   string
	queues map[string][]model.PendingTelemetryEntry
}

// LoadTelemetry opens (or initializes) the pending-telemetry cache at path,
// filtering out entries older than MaxAge or more than MaxFuture ahead of
// now, and reports how many entries survived vs. were dropped as expired.
func LoadTelemetry(path string, now time.Time, log *zap.Logger) (*Telemetry, int, int) {
	t := &Telemetry{path: path, queues: make(map[string][]model.PendingTelemetryEntry), log: log}
	if path == "" {
		return t, 0, 0
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("pending telemetry: failed to read cache file, starting empty", zap.String("path", path), zap.Error(err))
		}
		return t, 0, 0
	}

	var env telemetryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("pending telemetry: failed to parse cache file, starting empty", zap.String("path", path), zap.Error(err))
		return t, 0, 0
	}

	valid, expired := 0, 0
	for nodeID, entries := range env.Queues {
		kept := make([]model.PendingTelemetryEntry, 0, len(entries))
		for _, e := range entries {
			if isExpired(e, now) {
				expired++
				continue
			}
			valid++
			kept = append(kept, e)
		}
		if len(kept) > 0 {
			t.queues[nodeID] = kept
		}
	}
	return t, valid, expired
}

func isExpired(e model.PendingTelemetryEntry, now time.Time) bool {
	ts := time.Unix(e.SensorTimestamp, 0)
	if now.Sub(ts) >= MaxAge {
		return true
	}
	if ts.Sub(now) > MaxFuture {
		return true
	}
	return false
}

// Append adds one entry to nodeID's queue and persists immediately.
func (t *Telemetry) Append(nodeID string, entry model.PendingTelemetryEntry) {
	t.mu.Lock()
	t.queues[nodeID] = append(t.queues[nodeID], entry)
	t.mu.Unlock()
	t.save()
}

// Drain removes and returns nodeID's queue in insertion order, filtered by
// the age/future rules relative to now, persisting the removal. Returns
// nil if the node had no pending entries.
func (t *Telemetry) Drain(nodeID string, now time.Time) []model.PendingTelemetryEntry {
	t.mu.Lock()
	entries, ok := t.queues[nodeID]
	if ok {
		delete(t.queues, nodeID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.save()

	kept := make([]model.PendingTelemetryEntry, 0, len(entries))
	for _, e := range entries {
		if !isExpired(e, now) {
			kept = append(kept, e)
		}
	}
	return kept
}

// Len reports the total number of buffered entries across all nodes, for
// statistics reporting.
func (t *Telemetry) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, q := range t.queues {
		n += len(q)
	}
	return n
}

func (t *Telemetry) save() {
	if t.path == "" {
		return
	}

	t.mu.Lock()
	snapshot := make(map[string][]model.PendingTelemetryEntry, len(t.queues))
	for k, v := range t.queues {
		snapshot[k] = v
	}
	t.mu.Unlock()

	env := telemetryEnvelope{Queues: snapshot, SavedAt: time.Now().Unix()}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		t.log.Error("pending telemetry: marshal failed", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.log.Error("pending telemetry: failed to create cache directory", zap.String("path", t.path), zap.Error(err))
		return
	}

	tmpPath := t.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		t.log.Error("pending telemetry: write failed", zap.String("path", tmpPath), zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		t.log.Error("pending telemetry: rename failed", zap.String("from", tmpPath), zap.String("to", t.path), zap.Error(err))
	}
}
