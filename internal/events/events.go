// Package events carries the ledger's observable audit stream:
// CurveSet, GrantCreated, Released and Revoked.
package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"PolarVest/internal/logger"
	"PolarVest/internal/storage"
)

// Event kinds.
const (
	KindCurveSet     = "CurveSet"
	KindGrantCreated = "GrantCreated"
	KindReleased     = "Released"
	KindRevoked      = "Revoked"
)

// eventKeyPrefix is the storage key prefix for persisted events.
var eventKeyPrefix = []byte("e:")

// Event is one audit record. Data holds the kind-specific payload.
type Event struct {
	Seq  uint64          `json:"seq"`
	Time uint64          `json:"time"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// CurveSet is the payload emitted when an unlock curve is frozen.
type CurveSet struct {
	Cohort     uint32   `json:"cohort"`
	MonthlyBps []uint16 `json:"monthlyBps"`
}

// GrantCreated is the payload emitted when a grant is registered.
type GrantCreated struct {
	GrantID     string `json:"grantId"`
	Beneficiary string `json:"beneficiary"`
	StartTime   uint64 `json:"startTime"`
	Cohort      uint32 `json:"cohort"`
	AmountTotal string `json:"amountTotal"`
	Revocable   bool   `json:"revocable"`
}

// Released is the payload emitted when vested tokens are paid out.
type Released struct {
	GrantID string `json:"grantId"`
	Amount  string `json:"amount"`
}

// Revoked is the payload emitted when a grant is terminated early.
type Revoked struct {
	GrantID           string `json:"grantId"`
	PendingPaid       string `json:"pendingPaid"`
	RemainderReturned string `json:"remainderReturned"`
}

// Sink receives emitted events. Emit must not fail the emitting
// operation: sinks report problems through their own channels.
type Sink interface {
	Emit(kind string, at uint64, payload any)
}

// LogSink writes events to the structured log.
type LogSink struct{}

// Emit logs the event at INFO level.
func (LogSink) Emit(kind string, at uint64, payload any) {
	logger.Info("event", "kind", kind, "at", at, "payload", payload)
}

// MemSink collects events in memory, mainly for tests.
type MemSink struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
}

// NewMemSink creates an empty in-memory sink.
func NewMemSink() *MemSink {
	return &MemSink{}
}

// Emit appends the event.
func (m *MemSink) Emit(kind string, at uint64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.events = append(m.events, Event{Seq: m.seq, Time: at, Kind: kind, Data: data})
}

// Events returns a copy of all collected events.
func (m *MemSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, len(m.events))
	copy(out, m.events)

	return out
}

// StoreSink persists events to storage under the "e:" prefix, keyed by
// a big-endian sequence number so iteration returns emission order.
type StoreSink struct {
	mu  sync.Mutex
	db  *storage.Storage
	seq uint64
}

// NewStoreSink creates a sink over db, resuming the sequence counter
// from the last persisted event.
func NewStoreSink(db *storage.Storage) (*StoreSink, error) {
	var last uint64

	err := db.IteratePrefix(eventKeyPrefix, func(key, _ []byte) error {
		if len(key) == len(eventKeyPrefix)+8 {
			last = binary.BigEndian.Uint64(key[len(eventKeyPrefix):])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan event log:\n%w", err)
	}

	return &StoreSink{db: db, seq: last}, nil
}

// Emit persists the event. Persistence failures are logged, not returned.
func (s *StoreSink) Emit(kind string, at uint64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("marshal event payload", "kind", kind, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event := Event{Seq: s.seq, Time: at, Kind: kind, Data: data}

	value, err := json.Marshal(event)
	if err != nil {
		logger.Error("marshal event", "kind", kind, "error", err)
		return
	}

	if err := s.db.Set(s.key(s.seq), value); err != nil {
		logger.Error("persist event", "kind", kind, "seq", s.seq, "error", err)
	}
}

// key builds the storage key for a sequence number: the event prefix
// followed by the big-endian encoded sequence.
func (s *StoreSink) key(seq uint64) []byte {
	k := make([]byte, len(eventKeyPrefix)+8)
	copy(k, eventKeyPrefix)
	binary.BigEndian.PutUint64(k[len(eventKeyPrefix):], seq)
	return k
}

// Since returns up to limit events with Seq > after, in emission order.
func (s *StoreSink) Since(after uint64, limit int) ([]Event, error) {
	var out []Event

	err := s.db.IteratePrefix(eventKeyPrefix, func(key, value []byte) error {
		if len(key) != len(eventKeyPrefix)+8 {
			return nil
		}
		if binary.BigEndian.Uint64(key[len(eventKeyPrefix):]) <= after {
			return nil
		}
		if limit > 0 && len(out) >= limit {
			return errStopIteration
		}

		var event Event
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("decode event:\n%w", err)
		}

		out = append(out, event)
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}

	return out, nil
}

// errStopIteration terminates a prefix scan early.
var errStopIteration = fmt.Errorf("stop iteration")

// MultiSink fans out to several sinks.
type MultiSink []Sink

// Emit forwards the event to every sink.
func (m MultiSink) Emit(kind string, at uint64, payload any) {
	for _, sink := range m {
		sink.Emit(kind, at, payload)
	}
}
