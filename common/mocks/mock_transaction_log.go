package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/dtx"
)

// MockTransactionLog is an in-memory dtx.TransactionLogStore. Records are
// persisted through a serialize/deserialize round trip so tests observe the
// same wire-format behavior as a real backend.
type MockTransactionLog struct {
	mu      sync.Mutex
	records map[dtx.UUID][]byte
	failed  map[dtx.UUID][]byte

	// SaveErrOn injects a Save failure keyed by the record state at save time.
	SaveErrOn map[dtx.TransactionState]error
	// CreateErr injects a Create failure.
	CreateErr error
	// SaveCount counts Save invocations.
	SaveCount int
}

func NewMockTransactionLog() *MockTransactionLog {
	return &MockTransactionLog{
		records: make(map[dtx.UUID][]byte),
		failed:  make(map[dtx.UUID][]byte),
	}
}

func (l *MockTransactionLog) Create(ctx context.Context, businessKey string) (*dtx.TransactionRecord, error) {
	if l.CreateErr != nil {
		return nil, l.CreateErr
	}
	record := dtx.NewTransactionRecord(businessKey)
	if err := l.Save(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (l *MockTransactionLog) Save(ctx context.Context, record *dtx.TransactionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SaveCount++
	if err := l.SaveErrOn[record.State]; err != nil {
		return err
	}
	ba, err := dtx.DefaultMarshaler.Marshal(record)
	if err != nil {
		return err
	}
	l.records[record.TxID] = ba
	return nil
}

func (l *MockTransactionLog) Load(ctx context.Context, tid dtx.UUID) (*dtx.TransactionRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(tid)
}

func (l *MockTransactionLog) load(tid dtx.UUID) (*dtx.TransactionRecord, bool, error) {
	ba, ok := l.records[tid]
	if !ok {
		ba, ok = l.failed[tid]
		if !ok {
			return nil, false, nil
		}
	}
	var record dtx.TransactionRecord
	if err := dtx.DefaultMarshaler.Unmarshal(ba, &record); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

func (l *MockTransactionLog) MarkTerminal(ctx context.Context, tid dtx.UUID, state dtx.TransactionState, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, found, err := l.load(tid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transaction %s not found", tid.String())
	}
	if err := record.ForceTerminal(state, reason); err != nil {
		return err
	}
	ba, err := dtx.DefaultMarshaler.Marshal(record)
	if err != nil {
		return err
	}
	l.records[tid] = ba
	if state == dtx.StateFailed {
		l.failed[tid] = ba
	}
	return nil
}

func (l *MockTransactionLog) ListStalled(ctx context.Context, olderThan time.Duration) ([]*dtx.TransactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := dtx.Now().UTC().Add(-olderThan)
	var out []*dtx.TransactionRecord
	for tid := range l.records {
		record, _, err := l.load(tid)
		if err != nil {
			continue
		}
		if record.State.IsTerminal() {
			continue
		}
		if record.StartTime.Before(cutoff) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (l *MockTransactionLog) ListFailed(ctx context.Context) ([]*dtx.TransactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*dtx.TransactionRecord
	for tid := range l.failed {
		record, _, err := l.load(tid)
		if err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (l *MockTransactionLog) Remove(ctx context.Context, tid dtx.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, tid)
	delete(l.failed, tid)
	return nil
}
