package main

import (
	"fmt"
	"time"

	"github.com/govalues/decimal"
	"github.com/pkg/errors"
)

// ParseError marks a malformed row in one of the export files. Fatal for
// that row; surfaced before the engine sees it.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(file string, line int, format string, args ...interface{}) error {
	return &ParseError{File: file, Line: line, Err: errors.Errorf(format, args...)}
}

// ResolutionError marks an entity that could not be resolved to exactly one
// remote identity. Fatal for the affected record, never retried.
type ResolutionError struct {
	Kind EntityKind
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ValidationError marks a canonical transaction that failed an internal
// consistency check, such as split postings not summing to the total.
type ValidationError struct {
	Account string
	Date    time.Time
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction on %s (%s): %s",
		e.Account, e.Date.Format(dateStamp), e.Reason)
}

func validationErrorf(account string, date time.Time, format string, args ...interface{}) error {
	return &ValidationError{Account: account, Date: date, Reason: fmt.Sprintf(format, args...)}
}

// TransientGatewayError marks a remote failure worth retrying: network
// errors, rate limits, server-side 5xx. Escalates to fatal once the retry
// budget is exhausted.
type TransientGatewayError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientGatewayError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientGatewayError) Unwrap() error { return e.Err }

// ReconciliationError is raised when the running balance computed from the
// source ledger stops matching what the remote system reports. It halts all
// further submissions for the affected account.
type ReconciliationError struct {
	Account  string
	Index    int
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("balance mismatch on %q after transaction %d: ledger says %s, remote says %s",
		e.Account, e.Index, e.Expected, e.Actual)
}

func isTransient(err error) bool {
	var tg *TransientGatewayError
	return errors.As(err, &tg)
}
