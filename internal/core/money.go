// Package core holds the billing domain: bills, creators, per-creator
// aggregation and the tabular report built from it.
//
// This file contains the currency-aware formatting of minor-unit amounts.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// DefaultLocale is used when no locale is configured.
var DefaultLocale = language.AmericanEnglish

var errNoCurrency = errors.New("code does not denote a currency")

// MoneyFormatter renders minor-unit amounts as currency strings for one locale.
//
// The number of fractional digits is taken from CLDR currency data, so
// JPY amounts are printed without decimals and BHD with three:
//
//	FormatAmount(150, "USD")  -> "$1.50"
//	FormatAmount(1500, "JPY") -> "¥1,500"
//	FormatAmount(250, "ZZZ")  -> "ZZZ 2.50" (unknown code, warning logged)
type MoneyFormatter struct {
	printer *message.Printer
	logger  *slog.Logger

	mu     sync.Mutex
	warned map[string]struct{}

	sepOnce sync.Once
	sep     string
}

// NewMoneyFormatter creates a formatter for the given locale.
func NewMoneyFormatter(tag language.Tag) *MoneyFormatter {
	return &MoneyFormatter{
		printer: message.NewPrinter(tag),
		logger:  slog.Default(),
		warned:  make(map[string]struct{}),
	}
}

// WithLogger sets the logger used for unknown-currency warnings.
func (f *MoneyFormatter) WithLogger(logger *slog.Logger) *MoneyFormatter {
	if logger != nil {
		f.logger = logger
	}
	return f
}

// FormatAmount formats an amount given in minor units of code.
// Unknown codes never fail: they fall back to "<CODE> <amount/100>".
func (f *MoneyFormatter) FormatAmount(minor int64, code string) string {
	unit, scale, err := currencyScale(code)
	if err != nil {
		f.warnUnknown(code, err)
		return fallbackAmount(minor, code)
	}

	sign := ""
	if minor < 0 {
		sign = "-"
	}
	symbol := f.printer.Sprint(currency.Symbol(unit))
	return sign + symbol + f.formatMagnitude(magnitude(minor), scale)
}

// formatMagnitude prints whole and fractional units separately so amounts
// beyond float64 precision stay exact.
func (f *MoneyFormatter) formatMagnitude(minor uint64, scale int) string {
	if scale == 0 {
		return f.printer.Sprint(number.Decimal(minor))
	}
	pow := uint64(1)
	for range scale {
		pow *= 10
	}
	whole := f.printer.Sprint(number.Decimal(minor / pow))
	frac := f.printer.Sprint(number.Decimal(minor%pow, number.MinIntegerDigits(scale), number.NoSeparator()))
	return whole + f.decimalSeparator() + frac
}

// decimalSeparator is derived from the printer so locale digits and
// separators are respected.
func (f *MoneyFormatter) decimalSeparator() string {
	f.sepOnce.Do(func() {
		half := f.printer.Sprint(number.Decimal(0.5, number.Scale(1)))
		zero := f.printer.Sprint(number.Decimal(0))
		five := f.printer.Sprint(number.Decimal(5))
		f.sep = strings.TrimSuffix(strings.TrimPrefix(half, zero), five)
		if f.sep == "" {
			f.sep = "."
		}
	})
	return f.sep
}

func (f *MoneyFormatter) warnUnknown(code string, err error) {
	f.mu.Lock()
	_, seen := f.warned[code]
	f.warned[code] = struct{}{}
	f.mu.Unlock()
	if seen {
		return
	}
	f.logger.Warn("Unknown currency code, using plain format", "currency", code, "error", err)
}

func lookupCurrency(code string) (currency.Unit, error) {
	code = strings.TrimSpace(code)
	unit, err := currency.ParseISO(code)
	if err != nil {
		return currency.Unit{}, &UnknownCurrencyError{Code: code, Err: err}
	}
	// ParseISO maps "XXX" to the zero unit.
	if unit == (currency.Unit{}) {
		return currency.Unit{}, &UnknownCurrencyError{Code: code, Err: errNoCurrency}
	}
	return unit, nil
}

// currencyScale resolves code and the number of minor-unit digits CLDR
// assigns to it.
func currencyScale(code string) (currency.Unit, int, error) {
	unit, err := lookupCurrency(code)
	if err != nil {
		return currency.Unit{}, 0, err
	}
	scale, _ := currency.Standard.Rounding(unit)
	return unit, scale, nil
}

// magnitude returns |minor| without overflowing on math.MinInt64.
func magnitude(minor int64) uint64 {
	if minor < 0 {
		return uint64(-(minor + 1)) + 1
	}
	return uint64(minor)
}

// fallbackAmount renders minor/100 with two decimals using integer math.
func fallbackAmount(minor int64, code string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s %s%s.%02d", code, sign, strconv.FormatInt(minor/100, 10), minor%100)
}
