package core

import (
	"errors"
	"fmt"
)

type (
	// Bill is one billing event as returned by the listing endpoint.
	// Amounts are integer minor units of Currency.
	Bill struct {
		ID        string
		DueYear   int
		Amount    int64
		TaxAmount *int64 // nil when the platform did not report tax
		Currency  string
		CreatorID string
	}

	// Creator is the subscription target a bill was charged for.
	Creator struct {
		ID   string
		Name string
		URL  string
	}

	// YearResult holds everything fetched for one due-date year.
	YearResult struct {
		Bills    []Bill
		Creators map[string]Creator
	}

	// ProgressFunc receives a callback after every fetched page.
	// totalPages is 0 when the platform did not report a total count.
	ProgressFunc func(year, page, totalPages, records int)
)

var (
	ErrNoYearsAvailable = errors.New("no years with billing activity")
	ErrExportInProgress = errors.New("an export is already running")
)

// CombinedAmount returns the base amount plus tax, treating missing tax as 0.
func (b Bill) CombinedAmount() int64 {
	if b.TaxAmount == nil {
		return b.Amount
	}
	return b.Amount + *b.TaxAmount
}

// FetchError reports a failed page request. Year and Offset locate the page.
type FetchError struct {
	Year       int
	Offset     int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch bills year=%d offset=%d: status %d: %v", e.Year, e.Offset, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch bills year=%d offset=%d: %v", e.Year, e.Offset, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// UnknownCurrencyError is returned by the formatter's lookup when a code
// has no CLDR entry. Callers fall back to a plain rendering.
type UnknownCurrencyError struct {
	Code string
	Err  error
}

func (e *UnknownCurrencyError) Error() string {
	return fmt.Sprintf("unknown currency %q: %v", e.Code, e.Err)
}

func (e *UnknownCurrencyError) Unwrap() error {
	return e.Err
}
