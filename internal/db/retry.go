package db

import (
	"context"
	"errors"
	"time"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/config"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"
)

// MySQL error numbers worth retrying.
const (
	errLockWaitTimeout  = 1205
	errDeadlock         = 1213
	errTooManyConns     = 1040
	errServerShutdown   = 1053
	errQueryInterrupted = 1317
)

// RetryPolicy bounds the retries applied to directory and rule-store reads.
type RetryPolicy struct {
	Retries int           // extra attempts after the first
	Base    time.Duration // first backoff, doubled on each retry
}

// RetryPolicyFromConfig reads io_retries and io_backoff_ms.
func RetryPolicyFromConfig(d config.DispatchConfig) RetryPolicy {
	return RetryPolicy{Retries: d.IORetries, Base: time.Duration(d.IOBackoffMs) * time.Millisecond}
}

// IsTransient reports whether err is worth retrying. Missing rows, context
// cancellation, domain errors and non-transient MySQL errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		return false
	}
	var me *gomysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errLockWaitTimeout, errDeadlock, errTooManyConns, errServerShutdown, errQueryInterrupted:
			return true
		}
		return false
	}
	// Connection-level failures (refused, reset, bad conn) surface as plain errors.
	return true
}

// Retry runs fn, retrying transient failures with exponential backoff
// until the policy's budget is spent. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	b := retry.WithMaxRetries(uint64(retries), retry.NewExponential(base))
	var last error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		last = fn(ctx)
		if IsTransient(last) {
			return retry.RetryableError(last)
		}
		return last
	})
	if err != nil && last != nil {
		return last
	}
	return err
}
