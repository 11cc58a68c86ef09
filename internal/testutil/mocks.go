package testutil

import (
	"context"
	"sync"

	"github.com/INLOpen/relayhub/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
)

// MockOracle is a testify mock of core.LedgerOracle.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) Receipt(ctx context.Context, tx common.Hash) (core.Receipt, error) {
	args := m.Called(ctx, tx)
	return args.Get(0).(core.Receipt), args.Error(1)
}

// MockSink is a testify mock of core.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Record(ctx context.Context, r core.Reading) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0)
}

// RecordingSink stores every reading it receives and optionally fails.
// Each recorded reading is also sent on Recorded when the channel is non-nil.
type RecordingSink struct {
	mu       sync.Mutex
	readings []core.Reading
	Err      error
	Recorded chan core.Reading
	closed   bool
}

// NewRecordingSink creates a RecordingSink. A positive buffer enables the
// Recorded notification channel; Record blocks once it is full.
func NewRecordingSink(buffer int) *RecordingSink {
	s := &RecordingSink{}
	if buffer > 0 {
		s.Recorded = make(chan core.Reading, buffer)
	}
	return s
}

func (s *RecordingSink) Record(_ context.Context, r core.Reading) error {
	s.mu.Lock()
	s.readings = append(s.readings, r)
	err := s.Err
	s.mu.Unlock()
	if s.Recorded != nil {
		s.Recorded <- r
	}
	if err != nil {
		return &core.SinkError{Sink: "recording", Err: err}
	}
	return nil
}

func (s *RecordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Readings returns a copy of everything recorded so far.
func (s *RecordingSink) Readings() []core.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Reading, len(s.readings))
	copy(out, s.readings)
	return out
}

// Closed reports whether Close was called.
func (s *RecordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
