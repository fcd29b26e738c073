package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	appErrors "github.com/noah-isme/campus-enrollment-api/pkg/errors"
)

// Store names used in error details, logs and metrics.
const (
	StoreEnrollment = "enrollment"
	StoreCapacity   = "capacity"
	StoreSagaLog    = "saga_log"
)

// storeError turns a raw driver error into a typed STORE_* error, flagging
// failures that are worth retrying.
func storeError(store string, err error) *appErrors.Error {
	return appErrors.StoreError(store, isTransient(err), err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
