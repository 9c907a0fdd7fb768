package services

import (
	"context"
	"time"

	"github.com/medfeedback/backend/pkg/logger"
)

const (
	DefaultMaxAttempts = 3
	DefaultMaxBackoff  = 60 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is the wait before the attempt after the given zero-based one:
// the provider hint when present, else 2^attempt seconds, capped at ceiling.
func Backoff(attempt int, hint, ceiling time.Duration) time.Duration {
	var wait time.Duration
	if hint > 0 {
		wait = hint
	} else {
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 30 {
			attempt = 30
		}
		wait = time.Duration(1<<uint(attempt)) * time.Second
	}
	if ceiling > 0 && wait > ceiling {
		wait = ceiling
	}
	return wait
}

// RetryController runs a Classifier with bounded retries. Permanent
// failures return immediately, transient ones are retried after Backoff.
type RetryController struct {
	classifier Classifier
	maxBackoff time.Duration
	sleep      Sleeper
}

func NewRetryController(classifier Classifier, maxBackoff time.Duration) *RetryController {
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	return &RetryController{
		classifier: classifier,
		maxBackoff: maxBackoff,
		sleep:      sleepContext,
	}
}

// WithSleeper replaces the wait between attempts.
func (r *RetryController) WithSleeper(s Sleeper) *RetryController {
	r.sleep = s
	return r
}

// ClassifyWithRetry makes at most maxAttempts calls. After the last
// transient failure that failure is returned as is.
func (r *RetryController) ClassifyWithRetry(ctx context.Context, req *ClassifyRequest, maxAttempts int) (*ClassificationResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *ClassifierError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := r.classifier.Classify(ctx, req)
		if err == nil {
			classifierAttempts.WithLabelValues("success").Inc()
			return result, nil
		}

		lastErr = AsClassifierError(err)
		classifierAttempts.WithLabelValues(lastErr.Class.String()).Inc()
		if lastErr.Class == FailurePermanent {
			return nil, lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := Backoff(attempt, lastErr.RetryAfter, r.maxBackoff)
		logger.Warn().
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Dur("wait", wait).
			Err(lastErr.Err).
			Msg("[Retry] transient classifier failure, backing off")

		if err := r.sleep(ctx, wait); err != nil {
			return nil, lastErr
		}
	}

	return nil, lastErr
}
