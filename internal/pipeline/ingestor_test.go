package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fleet-monitor/telemetry/internal/auth"
	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/ratelimit"
	"fleet-monitor/telemetry/internal/store"
)

const (
	testVIN    = int64(1001)
	testFleet  = int64(7)
	testSecret = "s3cret"
)

type readingKey struct {
	vin int64
	ts  time.Time
}

type memStore struct {
	mu       sync.Mutex
	nextID   int64
	readings map[readingKey]domain.Reading
	alerts   []domain.Alert

	// racer is stored by the next InsertReading, which then reports a conflict
	racer    *domain.Reading
	failNext error
}

func newMemStore() *memStore {
	return &memStore{readings: map[readingKey]domain.Reading{}}
}

func (m *memStore) MergeReading(_ context.Context, r *domain.Reading) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := readingKey{r.VIN, r.Timestamp.UTC()}
	old, ok := m.readings[k]
	if !ok {
		return false, nil
	}
	r.ID = old.ID
	r.FleetID = old.FleetID
	m.readings[k] = *r
	return true, nil
}

func (m *memStore) InsertReading(_ context.Context, r *domain.Reading, alerts []domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}

	if m.racer != nil {
		m.nextID++
		racer := *m.racer
		racer.ID = m.nextID
		m.readings[readingKey{racer.VIN, racer.Timestamp.UTC()}] = racer
		m.racer = nil
		return domain.Wrap(domain.KindConflict, errors.New("23505"), "reading already exists")
	}

	k := readingKey{r.VIN, r.Timestamp.UTC()}
	if _, ok := m.readings[k]; ok {
		return domain.Wrap(domain.KindConflict, errors.New("23505"), "reading already exists")
	}
	m.nextID++
	r.ID = m.nextID
	m.readings[k] = *r
	m.alerts = append(m.alerts, alerts...)
	return nil
}

func (m *memStore) OdometerNeighbors(_ context.Context, vin int64, ts time.Time) (*float64, *float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev, next *float64
	var prevTS, nextTS time.Time
	for k, r := range m.readings {
		if k.vin != vin {
			continue
		}
		odo := r.Odometer
		switch {
		case k.ts.Before(ts) && (prev == nil || k.ts.After(prevTS)):
			prev, prevTS = &odo, k.ts
		case k.ts.After(ts) && (next == nil || k.ts.Before(nextTS)):
			next, nextTS = &odo, k.ts
		}
	}
	return prev, next, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings)
}

func (m *memStore) get(vin int64, ts time.Time) (domain.Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.readings[readingKey{vin, ts.UTC()}]
	return r, ok
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls map[int64]int
	err   error
}

func (c *countingInvalidator) Invalidate(_ context.Context, fleetID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[int64]int{}
	}
	c.calls[fleetID]++
	return c.err
}

func (c *countingInvalidator) count(fleetID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[fleetID]
}

type recordingNotifier struct {
	readings []*domain.Reading
	alerts   []domain.Alert
}

func (n *recordingNotifier) Dispatch(r *domain.Reading, alerts []domain.Alert) {
	n.readings = append(n.readings, r)
	n.alerts = append(n.alerts, alerts...)
}

type credentialStore map[int64]*domain.Vehicle

func (c credentialStore) VehicleByVIN(_ context.Context, vin int64) (*domain.Vehicle, error) {
	v, ok := c[vin]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "vehicle %d not found", vin)
	}
	return v, nil
}

type harness struct {
	ingestor *Ingestor
	store    *memStore
	cache    *countingInvalidator
	notifier *recordingNotifier
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.Nil(t, err)
	creds := credentialStore{}
	for _, vin := range []int64{testVIN, testVIN + 1, testVIN + 2} {
		creds[vin] = &domain.Vehicle{VIN: vin, FleetID: testFleet, SecretHash: hash, Status: domain.RegActive}
	}

	cfg := &config.Config{AuthCacheTTLSeconds: 60, AuthCacheMaxKeys: 100}
	authenticator := auth.NewAuthenticator(cfg, creds, zap.NewNop())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewLimiter(store.NewRedisStoreFromClient(client), 4, time.Minute)

	rules, err := domain.CompileRules(domain.DefaultRuleDefinitions(1, 2))
	require.Nil(t, err)

	h := &harness{
		store:    newMemStore(),
		cache:    &countingInvalidator{},
		notifier: &recordingNotifier{},
		redis:    mr,
	}
	h.ingestor = NewIngestor(
		authenticator,
		limiter,
		h.store,
		NewAlertEvaluator(rules),
		h.cache,
		h.notifier,
		opts,
		zap.NewNop(),
	)
	return h
}

var baseTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func submission(vin int64, ts time.Time, speed, fuel float64) Submission {
	return Submission{
		Secret: testSecret,
		Reading: domain.Reading{
			VIN:          vin,
			Timestamp:    ts,
			Latitude:     28.6,
			Longitude:    77.2,
			Speed:        speed,
			Fuel:         fuel,
			Odometer:     1000,
			EngineStatus: domain.EngineOn,
		},
	}
}

func TestIngestAlertThresholds(t *testing.T) {
	cases := map[string]struct {
		speed float64
		fuel  float64
		rules []string
	}{
		"speed above limit":  {121, 0.5, []string{domain.RuleSpeedExceeded}},
		"speed at limit":     {120, 0.5, nil},
		"fuel below minimum": {50, 0.14, []string{domain.RuleLowFuel}},
		"fuel at minimum":    {50, 0.15, nil},
		"both":               {130, 0.05, []string{domain.RuleSpeedExceeded, domain.RuleLowFuel}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{})

			res, err := h.ingestor.Ingest(context.Background(), submission(testVIN, baseTime, tc.speed, tc.fuel))
			require.Nil(t, err)
			require.Equal(t, StatusAccepted, res.Status)

			var got []string
			for _, a := range h.store.alerts {
				require.Equal(t, testVIN, a.VIN)
				require.Equal(t, testFleet, a.FleetID)
				got = append(got, a.Rule)
			}
			require.Equal(t, tc.rules, got)
			require.Len(t, res.Alerts, len(tc.rules))
		})
	}
}

func TestIngestAssignsFleetAndInvalidates(t *testing.T) {
	h := newHarness(t, Options{})
	sub := submission(testVIN, baseTime, 10, 0.5)
	sub.Reading.FleetID = 999

	res, err := h.ingestor.Ingest(context.Background(), sub)
	require.Nil(t, err)
	require.Equal(t, testFleet, res.Reading.FleetID)
	require.NotZero(t, res.Reading.ID)
	require.False(t, res.Reading.ReceivedAt.IsZero())
	require.Equal(t, 1, h.cache.count(testFleet))
	require.Len(t, h.notifier.readings, 1)
}

func TestDuplicateSubmissionLastWriteWins(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.ingestor.Ingest(ctx, submission(testVIN, baseTime, 50, 0.5))
	require.Nil(t, err)
	require.Equal(t, StatusAccepted, first.Status)

	second, err := h.ingestor.Ingest(ctx, submission(testVIN, baseTime, 130, 0.4))
	require.Nil(t, err)
	require.Equal(t, StatusMerged, second.Status)
	require.Equal(t, first.Reading.ID, second.Reading.ID)

	require.Equal(t, 1, h.store.count())
	stored, ok := h.store.get(testVIN, baseTime)
	require.True(t, ok)
	require.Equal(t, 130.0, stored.Speed)
	require.Equal(t, 0.4, stored.Fuel)

	require.Empty(t, h.store.alerts, "a merge does not re-run alerting")
	require.Empty(t, second.Alerts)
	require.Equal(t, 2, h.cache.count(testFleet))
}

func TestWrongCredentialNeverPersists(t *testing.T) {
	h := newHarness(t, Options{})
	sub := submission(testVIN, baseTime, 200, 0.01)
	sub.Secret = "wrong"

	_, err := h.ingestor.Ingest(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.Zero(t, h.store.count())
	require.Empty(t, h.store.alerts)
	require.Zero(t, h.cache.count(testFleet))
	require.False(t, h.redis.Exists("ratelimit:vehicle:1001"), "rejected credential does not spend rate budget")

	sub = submission(99, baseTime, 10, 0.5)
	_, err = h.ingestor.Ingest(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.Zero(t, h.store.count())
}

func TestRateLimitWindow(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := h.ingestor.Ingest(ctx, submission(testVIN, baseTime.Add(time.Duration(i)*time.Second), 10, 0.5))
		require.Nil(t, err)
	}

	_, err := h.ingestor.Ingest(ctx, submission(testVIN, baseTime.Add(4*time.Second), 10, 0.5))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, 4, h.store.count())

	// other vehicles are unaffected
	_, err = h.ingestor.Ingest(ctx, submission(testVIN+1, baseTime, 10, 0.5))
	require.Nil(t, err)

	h.redis.FastForward(61 * time.Second)

	res, err := h.ingestor.Ingest(ctx, submission(testVIN, baseTime.Add(5*time.Second), 10, 0.5))
	require.Nil(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.Equal(t, 6, h.store.count())
}

func TestValidationFailureNotPersisted(t *testing.T) {
	h := newHarness(t, Options{})

	sub := submission(testVIN, baseTime, 10, 1.5)
	_, err := h.ingestor.Ingest(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrValidation)

	sub = submission(testVIN, baseTime, 10, 0.5)
	sub.Reading.EngineStatus = "running"
	_, err = h.ingestor.Ingest(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrValidation)

	require.Zero(t, h.store.count())
}

func TestMonotonicOdometer(t *testing.T) {
	h := newHarness(t, Options{EnforceMonotonicOdometer: true})
	ctx := context.Background()

	_, err := h.ingestor.Ingest(ctx, submission(testVIN, baseTime, 10, 0.5))
	require.Nil(t, err)

	sub := submission(testVIN, baseTime.Add(time.Minute), 10, 0.5)
	sub.Reading.Odometer = 900
	_, err = h.ingestor.Ingest(ctx, sub)
	require.ErrorIs(t, err, domain.ErrValidation)

	sub.Reading.Odometer = 1100
	_, err = h.ingestor.Ingest(ctx, sub)
	require.Nil(t, err)
	require.Equal(t, 2, h.store.count())
}

func TestCancelledRequestWritesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.ingestor.Ingest(ctx, submission(testVIN, baseTime, 10, 0.5))
	require.NotNil(t, err)
	require.Zero(t, h.store.count())
}

func TestInsertRaceFallsBackToMerge(t *testing.T) {
	h := newHarness(t, Options{})
	racer := submission(testVIN, baseTime, 20, 0.9).Reading
	racer.FleetID = testFleet
	h.store.racer = &racer

	res, err := h.ingestor.Ingest(context.Background(), submission(testVIN, baseTime, 140, 0.3))
	require.Nil(t, err)
	require.Equal(t, StatusMerged, res.Status)

	stored, ok := h.store.get(testVIN, baseTime)
	require.True(t, ok)
	require.Equal(t, 140.0, stored.Speed)
	require.Empty(t, h.store.alerts)
}

func TestStoreFailureIsInternal(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.failNext = errors.New("connection reset")

	_, err := h.ingestor.Ingest(context.Background(), submission(testVIN, baseTime, 10, 0.5))
	require.ErrorIs(t, err, domain.ErrInternal)
	require.Zero(t, h.cache.count(testFleet))
	require.Empty(t, h.notifier.readings)
}

func TestInvalidationFailureStillAccepted(t *testing.T) {
	h := newHarness(t, Options{})
	h.cache.err = errors.New("redis down")

	res, err := h.ingestor.Ingest(context.Background(), submission(testVIN, baseTime, 10, 0.5))
	require.Nil(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.Equal(t, 1, h.store.count())
}

func TestIngestBatchPerItemResults(t *testing.T) {
	h := newHarness(t, Options{})

	badSecret := submission(testVIN+1, baseTime, 10, 0.5)
	badSecret.Secret = "nope"

	results := h.ingestor.IngestBatch(context.Background(), []Submission{
		submission(testVIN, baseTime, 10, 0.5),
		badSecret,
		submission(testVIN+2, baseTime, 10, 2),
		submission(testVIN, baseTime, 125, 0.5),
		submission(testVIN+2, baseTime, 10, 0.5),
	})

	require.Len(t, results, 5)
	require.Equal(t, StatusAccepted, results[0].Status)
	require.Equal(t, StatusRejected, results[1].Status)
	require.ErrorIs(t, results[1].Err, domain.ErrUnauthorized)
	require.Equal(t, StatusRejected, results[2].Status)
	require.ErrorIs(t, results[2].Err, domain.ErrValidation)
	require.Equal(t, StatusMerged, results[3].Status)
	require.Equal(t, StatusAccepted, results[4].Status)
	require.Equal(t, 2, h.store.count())
}
