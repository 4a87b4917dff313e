// Package diagnostics captures raw payloads the decoder rejected, for
// offline replay and decoder-bug triage. It is independent of the metrics
// counters and log lines that already record a decode failure — this is
// the bytes themselves, not just the fact that it happened.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

type record struct {
	Timestamp int64  `json:"ts"`
	Source    string `json:"source"`
	Reason    string `json:"reason"`
	Raw       []byte `json:"raw"`
}

// Sink appends zstd-compressed decode-failure records to a single
// append-only file, one compressed frame per record. A nil *Sink is valid
// and Write/Close become no-ops, matching the teacher's optional
// store_raw_bytes knob.
type Sink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	logger  *zap.Logger
}

// Open opens (creating if needed) the diagnostic sink at path. An empty
// path disables the sink entirely; callers get back a nil *Sink.
func Open(path string, logger *zap.Logger) (*Sink, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: opening sink file %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diagnostics: zstd encoder init: %w", err)
	}

	return &Sink{file: f, encoder: enc, logger: logger}, nil
}

// Write records one decode failure. Write failures are logged and
// swallowed: this sink is best-effort and must never slow or break the
// ingestion path it is diagnosing.
func (s *Sink) Write(source, reason string, raw []byte) {
	if s == nil {
		return
	}

	body, err := json.Marshal(record{
		Timestamp: time.Now().Unix(),
		Source:    source,
		Reason:    reason,
		Raw:       raw,
	})
	if err != nil {
		s.logger.Warn("diagnostics: marshal failed", zap.Error(err))
		return
	}
	compressed := s.encoder.EncodeAll(body, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(compressed); err != nil {
		s.logger.Warn("diagnostics: write failed", zap.Error(err))
	}
}

// Close flushes the zstd encoder and closes the underlying file.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.encoder.Close()
	return s.file.Close()
}
