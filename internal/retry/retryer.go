// Package retry provides a runner that repeats failed operations with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/logfields"
	"github.com/queueward/queueward/internal/qerr"
)

const (
	defTimeout                = 20 * time.Minute
	defBackoffInitialInterval = 5 * time.Second
)

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                 *zap.Logger
	defTimeout             time.Duration
	backoffInitialInterval time.Duration
	shutdownChan           chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                 zap.L().Named("retryer"),
		defTimeout:             defTimeout,
		backoffInitialInterval: defBackoffInitialInterval,
		shutdownChan:           make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does not
// wrap qerr.RetryableError or the execution was aborted via the context.
// Runs are bound by the default timeout of the Retryer.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancelFunc := context.WithTimeout(ctx, r.defTimeout)
	defer cancelFunc()

	endTime := time.Now().Add(r.defTimeout)

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Debug(
				"operation cancelled",
				logfields.Event("retryer_operation_cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err != nil {
				var retryError *qerr.RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) {
					logger.Debug(
						"operation cancelled",
						logfields.Event("retryer_operation_cancelled"),
					)

					return err
				}

				if errors.As(err, &retryError) {
					if retryError.After.After(endTime) {
						logger.Warn(
							"operation failed, next possible retry time is after timeout expiration",
							logfields.Event("retryer_operation_failed"),
							zap.Time("earliest_allowed_retry", retryError.After),
						)

						return err
					}

					retryIn := bo.NextBackOff()
					if !retryError.After.IsZero() {
						if until := time.Until(retryError.After); until > retryIn {
							retryIn = until
						}
					}

					retryTimer.Reset(retryIn)
					logger.Info(
						"operation failed temporarily, retry scheduled",
						logfields.Event("retryer_retry_scheduled"),
						zap.Duration("retry_in", retryIn),
					)

					continue
				}

				logger.Debug(
					"operation failed, not retryable",
					logfields.Event("retryer_operation_failed"),
				)

				return err
			}

			return nil

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminated, operation not executed",
				logfields.Event("retryer_terminated"),
			)

			return errors.New("retryer was terminated")
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
