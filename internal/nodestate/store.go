// Package nodestate persists the per-source, per-node correlation state:
// last known position, name, hardware model, and the high-water mark of
// committed environmental readings.
package nodestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/model"
)

// saveEvery is how many last_env_time updates accumulate per source before
// the store is persisted again, amortizing disk writes across the steady
// stream of telemetry updates a positioned node produces.
const saveEvery = 10

// envelope is the on-disk shape: the logical key wraps the node map so the
// file format matches the pending-telemetry cache file's convention.
type envelope struct {
	Nodes   map[string]model.NodeRecord `json:"nodes_with_position"`
	SavedAt int64                       `json:"saved_at"`
}

// Store is one source's node state cache, backed by a JSON file.
type Store struct {
	mu    sync.RWMutex
	log   *zap.Logger
	path  string // empty disables persistence
	nodes map[string]model.NodeRecord
	dirty int // updates since last save
}

// Load opens (or initializes) the node state cache at path. A missing file
// is not an error: it starts as an empty map. A parse error is logged and
// treated the same as missing, so a corrupt cache never blocks ingestion.
func Load(path string, log *zap.Logger) *Store {
	s := &Store{path: path, nodes: make(map[string]model.NodeRecord), log: log}
	if path == "" {
		return s
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("node state: failed to read cache file, starting empty", zap.String("path", path), zap.Error(err))
		}
		return s
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("node state: failed to parse cache file, starting empty", zap.String("path", path), zap.Error(err))
		return s
	}
	if env.Nodes != nil {
		s.nodes = env.Nodes
	}
	return s
}

// Get returns the record for a node id, if known.
func (s *Store) Get(nodeID string) (model.NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[nodeID]
	return rec, ok
}

// UpsertPosition records a position for nodeID, saving the store
// immediately when the node is new or its position changed. Returns whether
// this was a new node (vs. an update to an existing one).
func (s *Store) UpsertPosition(nodeID string, lat, lon, alt float64, now time.Time) (isNew bool) {
	s.mu.Lock()
	rec, existed := s.nodes[nodeID]
	isNew = !existed || !rec.HasValidPosition()
	changed := !existed || rec.Lat != lat || rec.Lon != lon || rec.Alt != alt
	rec.Lat, rec.Lon, rec.Alt = lat, lon, alt
	rec.UpdatedAt = now
	s.nodes[nodeID] = rec
	s.mu.Unlock()

	if isNew || changed {
		s.save()
	}
	return isNew
}

// UpsertNodeInfo records name/hardware for nodeID, if it already has a
// position, saving the store. Only non-empty incoming fields overwrite the
// existing value — a NodeInfo packet with an empty long-name or hardware
// string leaves the previously known value in place, matching the ground
// truth's truthy-only field update. Returns false if the node has no
// position yet, in which case the caller should route the info to the
// pending buffer instead.
func (s *Store) UpsertNodeInfo(nodeID string, name, hardware string, now time.Time) bool {
	s.mu.Lock()
	rec, existed := s.nodes[nodeID]
	if !existed || !rec.HasValidPosition() {
		s.mu.Unlock()
		return false
	}
	if name != "" {
		rec.Name = name
	}
	if hardware != "" {
		rec.Hardware = hardware
	}
	rec.UpdatedAt = now
	s.nodes[nodeID] = rec
	s.mu.Unlock()

	s.save()
	return true
}

// AdvanceEnvTime applies the monotonic-update rule for last_env_time: the
// stored value only advances if sensorTimestamp is strictly greater.
// Returns whether the update was accepted. Every saveEvery accepted
// updates, the store is persisted and the counter resets.
func (s *Store) AdvanceEnvTime(nodeID string, sensorTimestamp int64) bool {
	s.mu.Lock()
	rec, ok := s.nodes[nodeID]
	if !ok || !rec.HasValidPosition() {
		s.mu.Unlock()
		return false
	}
	if sensorTimestamp <= rec.LastEnvTime {
		s.mu.Unlock()
		return false
	}
	rec.LastEnvTime = sensorTimestamp
	s.nodes[nodeID] = rec
	s.dirty++
	shouldSave := s.dirty >= saveEvery
	if shouldSave {
		s.dirty = 0
	}
	s.mu.Unlock()

	if shouldSave {
		s.save()
	}
	return true
}

// Save persists the current state unconditionally; used on shutdown.
func (s *Store) Save() {
	s.save()
}

func (s *Store) save() {
	if s.path == "" {
		return
	}

	s.mu.RLock()
	snapshot := make(map[string]model.NodeRecord, len(s.nodes))
	for k, v := range s.nodes {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	env := envelope{Nodes: snapshot, SavedAt: time.Now().Unix()}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		s.log.Error("node state: marshal failed", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error("node state: failed to create cache directory", zap.String("path", s.path), zap.Error(err))
		return
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		s.log.Error("node state: write failed", zap.String("path", tmpPath), zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.log.Error("node state: rename failed", zap.String("path", s.path), zap.Error(fmt.Errorf("%s -> %s: %w", tmpPath, s.path, err)))
	}
}
