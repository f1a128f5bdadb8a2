package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	records []Record
	batches int
}

func (s *memStorage) WriteBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	s.batches++
	return nil
}

func (s *memStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestTrailFlushesOnStop(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), 100, 50, time.Hour)
	trail.Start()

	for i := 0; i < 7; i++ {
		trail.Append(Record{Actor: "key-1", Action: "dlq.retry", Result: "success"})
	}
	trail.Stop()

	// Drain pattern: при остановке ничего не теряется
	if storage.count() != 7 {
		t.Fatalf("records written = %d, want 7", storage.count())
	}
}

func TestTrailBatchesBySize(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), 100, 3, time.Hour)
	trail.Start()

	for i := 0; i < 6; i++ {
		trail.Append(Record{Action: "capability.invoke", Result: "success"})
	}
	trail.Stop()

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.records) != 6 {
		t.Fatalf("records = %d, want 6", len(storage.records))
	}
	if storage.batches < 2 {
		t.Fatalf("batches = %d, want at least 2 (batch size 3)", storage.batches)
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), 10, 10, time.Hour)
	trail.Start()

	trail.Append(Record{Action: "killswitch.block", Result: "success"})
	trail.Stop()

	storage.mu.Lock()
	defer storage.mu.Unlock()
	rec := storage.records[0]
	if rec.ID == "" || rec.Timestamp.IsZero() {
		t.Fatal("id and timestamp must be filled when omitted")
	}
}

func TestAppendAfterStopIsDropped(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), 10, 10, time.Hour)
	trail.Start()
	trail.Stop()

	// Не должно паниковать на закрытом канале
	trail.Append(Record{Action: "late"})
	if storage.count() != 0 {
		t.Fatal("record appended after stop must be dropped")
	}
}
