package obs

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RecordEntry is one JSONL line in the exchange sink.
type RecordEntry struct {
	Timestamp  string          `json:"timestamp"`
	RequestID  string          `json:"request_id"`
	Scenario   string          `json:"scenario"`
	Model      string          `json:"model"`
	DurationMs int64           `json:"duration_ms"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// Sink writes request/response exchanges as JSONL for offline debugging.
// Disabled sinks drop records without touching the filesystem.
type Sink struct {
	mu      sync.Mutex
	writer  io.Writer
	enabled bool
}

// NewSink creates a sink writing to a rotating file under logDir. Pass
// enabled=false to construct a no-op sink.
func NewSink(logDir string, enabled bool) *Sink {
	s := &Sink{enabled: enabled}
	if !enabled {
		return s
	}
	s.writer = NewRotatingWriter(DefaultLogRotationConfig(filepath.Join(logDir, "exchanges.jsonl")))
	return s
}

// IsEnabled reports whether records are being written.
func (s *Sink) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles recording at runtime.
func (s *Sink) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Record writes one exchange. req and resp are marshaled as-is; marshal
// failures degrade to omitting the field rather than dropping the record.
func (s *Sink) Record(scenario, model string, req, resp any, duration time.Duration, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.writer == nil {
		return
	}

	entry := RecordEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  uuid.New().String(),
		Scenario:   scenario,
		Model:      model,
		DurationMs: duration.Milliseconds(),
		Error:      errMsg,
	}
	if req != nil {
		if data, err := json.Marshal(req); err == nil {
			entry.Request = data
		}
	}
	if resp != nil {
		if data, err := json.Marshal(resp); err == nil {
			entry.Response = data
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		logrus.WithError(err).Warn("failed to marshal sink entry")
		return
	}
	line = append(line, '\n')
	if _, err := s.writer.Write(line); err != nil {
		logrus.WithError(err).Warn("failed to write sink entry")
	}
}
