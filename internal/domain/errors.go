package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by catalog and store lookups for missing keys.
	ErrNotFound = errors.New("not found")

	// ErrDanglingReference marks a provenance record that names an entity the
	// catalog has never recorded. It is the only run-fatal error.
	ErrDanglingReference = errors.New("dangling provenance reference")

	// ErrInProgress is returned when another worker holds the claim on an hour.
	ErrInProgress = errors.New("composite already in progress")
)

// TransientNetworkError wraps a failure that is worth retrying with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientNetworkError) Unwrap() error { return e.Err }

// IntegrityError is a size or checksum mismatch between the transferred bytes
// and what the source reported.
type IntegrityError struct {
	Key    string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Key, e.Reason)
}

// ResolutionGap reports regions with no grid for an hour. It is not fatal; the
// hour is deferred and retried later.
type ResolutionGap struct {
	Timestamp time.Time
	Missing   []RegionID
}

func (e *ResolutionGap) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = string(id)
	}
	return fmt.Sprintf("hour %s unresolved, missing regions [%s]",
		e.Timestamp.UTC().Format(time.RFC3339), strings.Join(ids, ","))
}

// CompositionError is fatal for one timestamp only.
type CompositionError struct {
	Timestamp time.Time
	Err       error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composite %s: %v", e.Timestamp.UTC().Format(time.RFC3339), e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

// CatalogConflict is returned when a second writer claims a key with content
// that differs from what is already recorded.
type CatalogConflict struct {
	Key      string
	Existing string
	Incoming string
}

func (e *CatalogConflict) Error() string {
	return fmt.Sprintf("catalog conflict on %s: recorded %s, rejected %s", e.Key, e.Existing, e.Incoming)
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var tn *TransientNetworkError
	return errors.As(err, &tn)
}

// Reason renders an error as the short reason shown in run summaries.
func Reason(err error) string {
	var (
		tn  *TransientNetworkError
		ie  *IntegrityError
		gap *ResolutionGap
		ce  *CompositionError
		cc  *CatalogConflict
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ie):
		return "integrity: " + ie.Reason
	case errors.As(err, &tn):
		return "network: " + tn.Err.Error()
	case errors.As(err, &gap):
		return gap.Error()
	case errors.As(err, &cc):
		return cc.Error()
	case errors.As(err, &ce):
		return ce.Err.Error()
	}
	return err.Error()
}
