package service

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"syscall"

	"google.golang.org/api/googleapi"
)

type errTmpIf interface{ Temporary() bool }
type errTmp struct{ error }

func (t errTmp) Temporary() bool    { return true }
func (t *errTmp) Unwrap() error     { return t.error }
func MakeTemporary(err error) error { return &errTmp{err} }

type errFatalIf interface{ Fatal() bool }
type errFatal struct{ error }

func (t errFatal) Fatal() bool    { return true }
func (t *errFatal) Unwrap() error { return t.error }
func MakeFatal(err error) error   { return &errFatal{err} }

// ErrRequest wraps a server or transport error of the catalog or of the retrieval service
// (maintenance, authentication failure, malformed or oversized query, integrity mismatch...)
type ErrRequest struct {
	Cause error
}

func (e ErrRequest) Error() string {
	return fmt.Sprintf("request error: %v", e.Cause)
}

func (e ErrRequest) Unwrap() error { return e.Cause }

// MakeRequestError wraps err into an ErrRequest (nil if err is nil, unchanged if it's already an ErrRequest)
func MakeRequestError(err error) error {
	if err == nil {
		return nil
	}
	var e ErrRequest
	if errors.As(err, &e) {
		return err
	}
	return ErrRequest{Cause: err}
}

// ErrMisconfigured is returned when a required configuration key is missing or invalid
type ErrMisconfigured struct {
	Key    string
	Reason string
}

func (e ErrMisconfigured) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("misconfigured: missing %s", e.Key)
	}
	return fmt.Sprintf("misconfigured: %s: %s", e.Key, e.Reason)
}

// ErrNotAvailable is returned when a product could not be retrieved
type ErrNotAvailable struct {
	Product string
	Status  string
}

func (e ErrNotAvailable) Error() string {
	return fmt.Sprintf("product %s is not available (storage status: %s)", e.Product, e.Status)
}

// Temporary inspects the error trace and returns whether the error is transient
func Temporary(err error) bool {
	var uerr *neturl.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	//First override some default syscall temporary statuses
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.EBUSY, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOMEM, syscall.EPIPE:
			return true
		}
	}

	//first check explicitely marked error
	var tmp errTmpIf
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	var gapiError *googleapi.Error
	if errors.As(err, &gapiError) {
		return gapiError.Code == 429 || gapiError.Code == 500
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Fatal inspects the error and returns whether it's a fatal error
func Fatal(err error) bool {
	var tmp errFatalIf
	if errors.As(err, &tmp) {
		return tmp.Fatal()
	}
	return false
}

// MergeErrors, appending texts
// if priorityToErr is true, priority to the fatal error then to the temporary
// else, priority to no error, then to the temporary and finally to the fatal error.
func MergeErrors(priorityToError bool, err error, newErrs ...error) error {
	if len(newErrs) == 0 {
		return err
	}
	newErr := newErrs[0]

	if newErr == nil {
		if !priorityToError {
			return nil
		}
	} else if err == nil {
		err = newErr
	} else if priorityToError != Temporary(err) {
		err = fmt.Errorf("%w\n %v", err, newErr)
	} else {
		err = fmt.Errorf("%w\n %v", newErr, err)
	}
	return MergeErrors(priorityToError, err, newErrs[1:]...)
}
