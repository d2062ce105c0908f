// Package delivery implements the HTTP Delivery Worker Pool (C5): a pool
// of workers pulling DeliveryJobs, performing a signed HTTP POST to the
// subscriber's webhook URL, classifying the outcome, and either retiring
// or rescheduling the job, per spec.md §4.5.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/metrics"
	"github.com/ipcasj/ethhook/pkg/scheduler"
	"github.com/ipcasj/ethhook/pkg/types"
)

const (
	requestTimeout = 30 * time.Second
	defaultRetries = 5
	retryHorizon   = 24 * time.Hour

	defaultRetryBase = 10 * time.Second
	defaultRetryMax  = time.Hour
	jitter           = 0.2
)

// retriableStatusCodes are the HTTP statuses spec.md §4.5 names as
// non-terminal failures. Any other 5xx is treated the same way: a
// receiving server returning an unlisted 5xx is still a transient
// customer-side failure, not grounds to give up permanently.
var retriableStatusCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// AttemptWriter is the subset of analyticsstore.Store the worker pool
// needs; satisfied by *analyticsstore.Store.
type AttemptWriter interface {
	WriteAttempts(ctx context.Context, attempts []types.DeliveryAttempt) error
}

// Pool is a fixed-size pool of delivery workers sharing one HTTP client.
type Pool struct {
	jobs       broker.JobBroker
	scheduler  *scheduler.Scheduler
	analytics  AttemptWriter
	httpClient *http.Client
	logger     zerolog.Logger

	workerCount int
	maxRetries  int
	retryBase   time.Duration
	retryMax    time.Duration
}

// NewPool builds a delivery worker pool. workerCount defaults to 50 (the
// cooperative-task pool size spec.md §5 describes) if <= 0; maxRetries
// defaults to 5 if <= 0. retryBase/retryMax default to 10s/1h (spec.md
// §4.5) if <= 0; callers normally pass config.Config's RetryBase()/
// RetryMax(), sourced from RETRY_BASE_SECONDS/RETRY_MAX_SECONDS.
func NewPool(jobs broker.JobBroker, sched *scheduler.Scheduler, analytics AttemptWriter, workerCount, maxRetries int, retryBase, retryMax time.Duration) *Pool {
	if workerCount <= 0 {
		workerCount = 50
	}
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   50,
		MaxIdleConns:          500,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: requestTimeout,
	}

	return &Pool{
		jobs:        jobs,
		scheduler:   sched,
		analytics:   analytics,
		httpClient:  &http.Client{Transport: transport, Timeout: requestTimeout},
		logger:      log.WithComponent("delivery"),
		workerCount: workerCount,
		maxRetries:  maxRetries,
		retryBase:   retryBase,
		retryMax:    retryMax,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		go func() {
			p.worker(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.workerCount; i++ {
		<-done
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		job, err := p.jobs.PopJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("failed to pop delivery job")
			continue
		}
		p.handle(ctx, job)
	}
}

// handle performs one delivery attempt for job: signs and POSTs the
// event, classifies the outcome, writes the DeliveryAttempt row, reports
// back to the scheduler's circuit breaker, and reschedules or retires the
// job as appropriate.
func (p *Pool) handle(ctx context.Context, job types.DeliveryJob) {
	body, err := json.Marshal(job.Event)
	if err != nil {
		// A serialization bug is a programmer error; spec.md §7 treats
		// it as a permanent failure for the job in hand rather than
		// retrying forever.
		p.logger.Error().Err(err).Str("event_id", job.Event.ID).Msg("failed to marshal event, treating as permanent failure")
		p.finish(ctx, job, types.DeliveryAttempt{
			ID:            uuid.NewString(),
			EventID:       job.Event.ID,
			EndpointID:    job.Endpoint.ID,
			AttemptNumber: job.Attempt,
			Status:        types.AttemptFailed,
			ErrorMessage:  "serialize event: " + err.Error(),
			AttemptedAt:   time.Now().UTC(),
		}, outcomePermanent)
		return
	}

	timestamp := time.Now().Unix()
	signature := sign(job.Endpoint.HMACSecret, timestamp, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Endpoint.WebhookURL, bytes.NewReader(body))
	if err != nil {
		p.logger.Error().Err(err).Str("endpoint_id", job.Endpoint.ID).Msg("failed to build delivery request")
		p.finish(ctx, job, types.DeliveryAttempt{
			ID:            uuid.NewString(),
			EventID:       job.Event.ID,
			EndpointID:    job.Endpoint.ID,
			AttemptNumber: job.Attempt,
			Status:        types.AttemptFailed,
			ErrorMessage:  "build request: " + err.Error(),
			AttemptedAt:   time.Now().UTC(),
		}, outcomePermanent)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", job.Endpoint.ID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(int(job.Attempt)))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)

	timer := metrics.NewTimer()
	resp, doErr := p.httpClient.Do(req)
	elapsed := timer.Duration()
	timer.ObserveDuration(metrics.DeliveryDuration)

	var statusCode int
	var retryAfter time.Duration
	if resp != nil {
		statusCode = resp.StatusCode
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}

	outcome, errMsg := classify(statusCode, doErr)

	attempt := types.DeliveryAttempt{
		ID:             uuid.NewString(),
		EventID:        job.Event.ID,
		EndpointID:     job.Endpoint.ID,
		AttemptNumber:  job.Attempt,
		HTTPStatusCode: statusCode,
		ResponseTimeMS: elapsed.Milliseconds(),
		ErrorMessage:   errMsg,
		AttemptedAt:    time.Now().UTC(),
	}

	switch outcome {
	case outcomeSuccess:
		attempt.Status = types.AttemptSuccess
		p.finish(ctx, job, attempt, outcome)
	case outcomePermanent:
		attempt.Status = types.AttemptFailed
		p.finish(ctx, job, attempt, outcome)
	case outcomeRetriable:
		attempt.Status = types.AttemptFailed
		p.retryOrExpire(ctx, job, attempt, retryAfter)
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetriable
	outcomePermanent
)

// classify maps an HTTP status/transport error to a delivery outcome per
// spec.md §4.5.
func classify(statusCode int, doErr error) (outcome, string) {
	if doErr != nil {
		return outcomeRetriable, doErr.Error()
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return outcomeSuccess, ""
	case retriableStatusCodes[statusCode] || statusCode >= 500:
		return outcomeRetriable, fmt.Sprintf("http status %d", statusCode)
	default:
		return outcomePermanent, fmt.Sprintf("http status %d", statusCode)
	}
}

// finish records a terminal (or successful) outcome: writes the attempt,
// reports it to the scheduler's circuit breaker, and bumps metrics. No
// further scheduling happens for this job.
func (p *Pool) finish(ctx context.Context, job types.DeliveryJob, attempt types.DeliveryAttempt, o outcome) {
	p.writeAttempt(ctx, attempt)
	p.scheduler.CompleteJob(job, o == outcomeSuccess)
	metrics.DeliveryAttemptsTotal.WithLabelValues(string(attempt.Status)).Inc()
}

// retryOrExpire either reschedules job for another attempt or, once
// max_retries or the retry horizon is exhausted, records it expired.
func (p *Pool) retryOrExpire(ctx context.Context, job types.DeliveryJob, attempt types.DeliveryAttempt, retryAfter time.Duration) {
	p.writeAttempt(ctx, attempt)
	p.scheduler.CompleteJob(job, false)
	metrics.DeliveryAttemptsTotal.WithLabelValues(string(attempt.Status)).Inc()

	if int(job.Attempt) >= p.maxRetries || time.Since(job.Event.IngestedAt) >= retryHorizon {
		expired := types.DeliveryAttempt{
			ID:            uuid.NewString(),
			EventID:       job.Event.ID,
			EndpointID:    job.Endpoint.ID,
			AttemptNumber: job.Attempt,
			Status:        types.AttemptExpired,
			AttemptedAt:   time.Now().UTC(),
		}
		p.writeAttempt(ctx, expired)
		metrics.DeliveryAttemptsTotal.WithLabelValues(string(types.AttemptExpired)).Inc()
		metrics.JobsExpiredTotal.Inc()
		return
	}

	delay := p.retryDelay(int(job.Attempt))
	if retryAfter > delay {
		delay = retryAfter
	}
	metrics.RetryDelaySeconds.Observe(delay.Seconds())

	next := job
	next.Attempt++
	next.ScheduledAt = time.Now().Add(delay)
	p.scheduler.ScheduleRetry(ctx, next, delay)
}

// retryDelay computes the jittered exponential backoff before the attempt
// following attemptJustFailed, per spec.md §4.5: base/max from RETRY_BASE_
// SECONDS/RETRY_MAX_SECONDS (10s/1h by default), ±20%. Uses cenkalti/
// backoff/v5's exponential policy the same way chainsub computes its own
// reconnect cool-off.
func (p *Pool) retryDelay(attemptJustFailed int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryBase
	b.MaxInterval = p.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = jitter

	delay := p.retryBase
	for i := 0; i < attemptJustFailed; i++ {
		delay = b.NextBackOff()
		if delay > p.retryMax || delay <= 0 {
			delay = p.retryMax
			break
		}
	}
	return delay
}

// writeAttempt writes attempt to the analytics store, retrying once
// in-band before logging and dropping, per spec.md §4.5.
func (p *Pool) writeAttempt(ctx context.Context, attempt types.DeliveryAttempt) {
	err := p.analytics.WriteAttempts(ctx, []types.DeliveryAttempt{attempt})
	if err == nil {
		return
	}
	err = p.analytics.WriteAttempts(ctx, []types.DeliveryAttempt{attempt})
	if err != nil {
		p.logger.Warn().Err(err).Str("event_id", attempt.EventID).Str("endpoint_id", attempt.EndpointID).Msg("analytics attempt write failed twice, dropping")
		metrics.AnalyticsWriteFailuresTotal.WithLabelValues("attempt").Inc()
	}
}

// sign computes the webhook signature per spec.md §6.5:
// hex(hmac_sha256(secret, timestamp + "." + raw_body)).
func sign(secret string, timestamp int64, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseRetryAfter parses a Retry-After header as a number of seconds,
// ignoring HTTP-date form and any parse failure (spec.md §8's boundary
// behavior: the larger of the header and the computed backoff wins, so a
// missing or unparsable header simply yields zero and the computed delay
// is used).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
