// Package sequence issues monotonically increasing document numbers per
// named series, e.g. INV000123. Counters live in a row per series so
// issuance survives restarts and multiple instances.
package sequence

import "errors"

// Series is a named document-number counter.
type Series struct {
	Name          string
	Prefix        string
	Pad           int
	Value         int64
	YearlyReset   bool
	LastResetYear int
}

// ErrSeriesNotFound indicates the series has not been registered. Series are
// created out of band; the issuer never creates them implicitly.
var ErrSeriesNotFound = errors.New("sequence: series not found")
