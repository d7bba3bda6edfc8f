package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/dmitrijs2005/pdsvault/internal/common"
)

// ClassifyErr maps a raw backend error onto the storage taxonomy. Errors that
// already carry a sentinel are returned unchanged. Unreachable backends map
// to common.ErrConnectionFailed; for writes everything else becomes
// common.ErrWriteFailed.
func ClassifyErr(err error, write bool) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		common.ErrConnectionFailed, common.ErrDuplicateKey, common.ErrWriteFailed,
		common.ErrorNotFound, common.ErrInvalidRecord, common.ErrAmbiguousUpsert,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	if IsConnectionError(err) {
		return fmt.Errorf("%w: %v", common.ErrConnectionFailed, err)
	}
	if write {
		return fmt.Errorf("%w: %v", common.ErrWriteFailed, err)
	}
	return err
}

// IsConnectionError reports whether err means the backend could not be
// reached or the connection broke.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
