package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
)

func TestAlertEvaluatorRunsEveryRule(t *testing.T) {
	rules, err := domain.CompileRules([]domain.RuleDefinition{
		{Name: "fast", AlertTypeID: 5, Field: "speed", Operator: "gte", Threshold: 100},
		{Name: "faster", AlertTypeID: 6, Field: "speed", Operator: "gt", Threshold: 110},
		{Name: "dtc", AlertTypeID: 7, Field: "diagnostic_code", Operator: "eq", Threshold: 42},
	})
	require.Nil(t, err)

	now := time.Now()
	r := &domain.Reading{VIN: 3, FleetID: 4, Speed: 115, Timestamp: baseTime}
	alerts := NewAlertEvaluator(rules).Evaluate(r, now)

	require.Len(t, alerts, 2)
	require.Equal(t, domain.Alert{
		VIN:              3,
		FleetID:          4,
		AlertTypeID:      5,
		Rule:             "fast",
		Value:            115,
		ReadingTimestamp: baseTime,
		CreatedAt:        now,
	}, alerts[0])
	require.Equal(t, "faster", alerts[1].Rule)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1)
	r := &domain.Reading{VIN: 1}
	alerts := []domain.Alert{{Rule: "a"}, {Rule: "b"}}

	done := make(chan struct{})
	go func() {
		d.Dispatch(r, alerts)
		d.Dispatch(r, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full channel")
	}

	require.Len(t, d.StateChan, 1)
	require.Len(t, d.AlertChan, 1)
	require.Equal(t, "a", (<-d.AlertChan).Rule)
}

type recordingSink struct {
	mu       sync.Mutex
	batches  int
	readings []int64
	alerts   []string
	ttl      time.Duration
}

func (s *recordingSink) PipelineStateUpdate(_ context.Context, batch []*domain.Reading, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	for _, r := range batch {
		s.readings = append(s.readings, r.VIN)
	}
	s.ttl = ttl
	return nil
}

func (s *recordingSink) PublishAlert(_ context.Context, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a.Rule)
	return nil
}

func (s *recordingSink) snapshot() ([]int64, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.readings...), append([]string(nil), s.alerts...)
}

func TestLiveFeedWorkers(t *testing.T) {
	d := NewDispatcher(10, 10)
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())

	// queued before the writer starts, so both land in one flush
	d.Dispatch(&domain.Reading{VIN: 1}, []domain.Alert{{Rule: domain.RuleLowFuel}})
	d.Dispatch(&domain.Reading{VIN: 2}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		NewStateWriter(d.StateChan, sink, 30*time.Second, zap.NewNop()).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		NewAlertPublisher(d.AlertChan, sink, zap.NewNop()).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		readings, alerts := sink.snapshot()
		return len(readings) == 2 && len(alerts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	readings, alerts := sink.snapshot()
	require.Equal(t, []int64{1, 2}, readings)
	require.Equal(t, []string{domain.RuleLowFuel}, alerts)
	require.Equal(t, 30*time.Second, sink.ttl)
	require.Equal(t, 1, sink.batches)
}
