package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/scheduler"
	"github.com/ipcasj/ethhook/pkg/types"
)

type recordingAnalytics struct {
	mu       sync.Mutex
	attempts []types.DeliveryAttempt
	failN    int
}

func (r *recordingAnalytics) WriteAttempts(ctx context.Context, attempts []types.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return assert.AnError
	}
	r.attempts = append(r.attempts, attempts...)
	return nil
}

func (r *recordingAnalytics) snapshot() []types.DeliveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.DeliveryAttempt, len(r.attempts))
	copy(out, r.attempts)
	return out
}

func newTestPool(t *testing.T, jobs *broker.MemoryJobBroker, analytics AttemptWriter, maxRetries int) (*Pool, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.NewScheduler(jobs, nil, 100)
	pool := NewPool(jobs, sched, analytics, 4, maxRetries, 0, 0)
	return pool, sched
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSign_MatchesReceiverRecomputation(t *testing.T) {
	sig := sign("secret123", 1700000000, []byte(`{"a":1}`))
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, sign("secret123", 1700000000, []byte(`{"a":1}`)))
	assert.NotEqual(t, sig, sign("other-secret", 1700000000, []byte(`{"a":1}`)))

	mac := hmac.New(sha256.New, []byte("secret123"))
	mac.Write([]byte(`1700000000.{"a":1}`))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestClassify_Success(t *testing.T) {
	o, _ := classify(200, nil)
	assert.Equal(t, outcomeSuccess, o)
}

func TestClassify_RetriableStatus(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		o, _ := classify(code, nil)
		assert.Equal(t, outcomeRetriable, o, "status %d should be retriable", code)
	}
}

func TestClassify_PermanentStatus(t *testing.T) {
	o, _ := classify(404, nil)
	assert.Equal(t, outcomePermanent, o)
}

func TestClassify_NetworkErrorIsRetriable(t *testing.T) {
	o, msg := classify(0, assert.AnError)
	assert.Equal(t, outcomeRetriable, o)
	assert.NotEmpty(t, msg)
}

func TestHandle_SuccessWritesSuccessAttemptAndSignsRequest(t *testing.T) {
	var gotSig, gotID, gotAttempt, gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotID = r.Header.Get("X-Webhook-Id")
		gotAttempt = r.Header.Get("X-Webhook-Attempt")
		gotTimestamp = r.Header.Get("X-Webhook-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	jobs := broker.NewMemoryJobBroker(10)
	analytics := &recordingAnalytics{}
	pool, _ := newTestPool(t, jobs, analytics, 5)

	job := types.DeliveryJob{
		Event:    types.ProcessedEvent{ID: "evt1", IngestedAt: time.Now()},
		Endpoint: types.Endpoint{ID: "ep1", WebhookURL: srv.URL, HMACSecret: "topsecret"},
		Attempt:  1,
	}

	pool.handle(context.Background(), job)

	attempts := analytics.snapshot()
	require.Len(t, attempts, 1)
	assert.Equal(t, types.AttemptSuccess, attempts[0].Status)
	assert.Equal(t, "ep1", gotID)
	assert.Equal(t, "1", gotAttempt)
	assert.NotEmpty(t, gotTimestamp)
	assert.Regexp(t, "^sha256=[0-9a-f]{64}$", gotSig)
}

func TestHandle_PermanentFailureDoesNotRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	jobs := broker.NewMemoryJobBroker(10)
	analytics := &recordingAnalytics{}
	pool, _ := newTestPool(t, jobs, analytics, 5)

	job := types.DeliveryJob{
		Event:    types.ProcessedEvent{ID: "evt1", IngestedAt: time.Now()},
		Endpoint: types.Endpoint{ID: "ep1", WebhookURL: srv.URL, HMACSecret: "s"},
		Attempt:  1,
	}

	pool.handle(context.Background(), job)

	attempts := analytics.snapshot()
	require.Len(t, attempts, 1)
	assert.Equal(t, types.AttemptFailed, attempts[0].Status)
	assert.Equal(t, 404, attempts[0].HTTPStatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := jobs.PopJob(ctx)
	assert.Error(t, err, "a permanent failure must not reschedule the job")
}

func TestHandle_RetriableFailureReschedulesThroughScheduler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	jobs := broker.NewMemoryJobBroker(10)
	analytics := &recordingAnalytics{}
	pool, _ := newTestPool(t, jobs, analytics, 5)

	job := types.DeliveryJob{
		Event:    types.ProcessedEvent{ID: "evt1", IngestedAt: time.Now()},
		Endpoint: types.Endpoint{ID: "ep1", WebhookURL: srv.URL, HMACSecret: "s"},
		Attempt:  1,
	}

	pool.handle(context.Background(), job)

	attempts := analytics.snapshot()
	require.Len(t, attempts, 1)
	assert.Equal(t, types.AttemptFailed, attempts[0].Status)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	next, err := jobs.PopJob(ctx)
	require.NoError(t, err, "a retriable failure must eventually re-enter the queue")
	assert.Equal(t, uint8(2), next.Attempt)
}

func TestHandle_ExhaustedRetriesExpire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	jobs := broker.NewMemoryJobBroker(10)
	analytics := &recordingAnalytics{}
	pool, _ := newTestPool(t, jobs, analytics, 1)

	job := types.DeliveryJob{
		Event:    types.ProcessedEvent{ID: "evt1", IngestedAt: time.Now()},
		Endpoint: types.Endpoint{ID: "ep1", WebhookURL: srv.URL, HMACSecret: "s"},
		Attempt:  1,
	}

	pool.handle(context.Background(), job)

	waitFor(t, time.Second, func() bool {
		return len(analytics.snapshot()) >= 2
	})

	attempts := analytics.snapshot()
	require.Len(t, attempts, 2)
	assert.Equal(t, types.AttemptFailed, attempts[0].Status)
	assert.Equal(t, types.AttemptExpired, attempts[1].Status)
}

func TestHandle_AnalyticsFailureRetriesOnceThenDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	jobs := broker.NewMemoryJobBroker(10)
	analytics := &recordingAnalytics{failN: 1}
	pool, _ := newTestPool(t, jobs, analytics, 5)

	job := types.DeliveryJob{
		Event:    types.ProcessedEvent{ID: "evt1", IngestedAt: time.Now()},
		Endpoint: types.Endpoint{ID: "ep1", WebhookURL: srv.URL, HMACSecret: "s"},
		Attempt:  1,
	}

	pool.handle(context.Background(), job)

	attempts := analytics.snapshot()
	require.Len(t, attempts, 1, "the in-band retry should have succeeded on the second try")
	assert.Equal(t, types.AttemptSuccess, attempts[0].Status)

	dropping := &recordingAnalytics{failN: 2}
	dropPool, _ := newTestPool(t, jobs, dropping, 5)
	dropPool.handle(context.Background(), job)

	assert.Empty(t, dropping.snapshot(), "an attempt whose retried write also fails is dropped")
	assert.Equal(t, 0, dropping.failN, "the write is tried exactly twice")
}

func TestRetryDelay_GrowsWithinJitterBounds(t *testing.T) {
	pool := &Pool{retryBase: defaultRetryBase, retryMax: defaultRetryMax}

	d1 := pool.retryDelay(1)
	assert.GreaterOrEqual(t, d1, 8*time.Second)
	assert.LessOrEqual(t, d1, 12*time.Second)

	d2 := pool.retryDelay(2)
	assert.GreaterOrEqual(t, d2, 16*time.Second)
	assert.LessOrEqual(t, d2, 24*time.Second)
}

func TestRetryDelay_HonorsConfiguredBaseAndMax(t *testing.T) {
	pool := &Pool{retryBase: time.Second, retryMax: 5 * time.Second}

	d1 := pool.retryDelay(1)
	assert.GreaterOrEqual(t, d1, 800*time.Millisecond)
	assert.LessOrEqual(t, d1, 5*time.Second)

	for attempt := 2; attempt <= 10; attempt++ {
		assert.LessOrEqual(t, pool.retryDelay(attempt), 5*time.Second, "delay must never exceed the configured max")
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("not-a-number"))
}
