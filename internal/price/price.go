// Package price extracts a decimal price from arbitrary element text.
package price

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"pricehound/internal/watch"
)

var (
	// runPattern matches one numeric run, optionally preceded by a currency
	// symbol. Text must contain exactly one run to be unambiguous.
	runPattern = regexp.MustCompile(`\p{Sc}?\s*((?:\d+[.,]?)+)`)
	// decimalPattern matches a separator followed by exactly two digits at
	// the very end of the run: the decimal point.
	decimalPattern = regexp.MustCompile(`([.,])\d{2}$`)
	// thousandsPattern matches a separator followed by exactly three digits
	// bounded by another separator or the end of the run: a thousands
	// grouping. Longer digit tails are not groupings and keep their
	// separator.
	thousandsPattern = regexp.MustCompile(`([.,])\d{3}([.,]|$)`)
)

// Parse extracts a price from text. It tolerates both US (1,234.56) and
// European (1.234,56) separator conventions without locale configuration.
// Text with zero or more than one numeric run is rejected rather than
// guessed.
func Parse(text string) (decimal.Decimal, error) {
	if strings.TrimSpace(text) == "" {
		return decimal.Zero, watch.E(watch.KindPriceNotParseable, "empty text")
	}

	matches := runPattern.FindAllStringSubmatch(text, -1)
	if len(matches) != 1 {
		return decimal.Zero, watch.E(watch.KindPriceNotParseable, "text does not contain exactly one number")
	}

	run := strings.TrimRight(matches[0][1], ".,")
	if run == "" {
		return decimal.Zero, watch.E(watch.KindPriceNotParseable, "text does not contain exactly one number")
	}

	if !strings.ContainsAny(run, ".,") {
		d, err := decimal.NewFromString(run)
		if err != nil {
			return decimal.Zero, watch.Wrap(watch.KindPriceNotParseable, "parse integer price", err)
		}
		return d, nil
	}

	var decimalSep string
	if m := decimalPattern.FindStringSubmatch(run); m != nil {
		decimalSep = m[1]
	}

	normalized := run
	if m := thousandsPattern.FindStringSubmatch(run); m != nil && m[1] != decimalSep {
		normalized = strings.ReplaceAll(normalized, m[1], "")
	}

	if decimalSep != "" {
		at := len(normalized) - 3
		if at >= 0 && string(normalized[at]) == decimalSep {
			normalized = normalized[:at] + "." + normalized[at+1:]
		}
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, watch.Wrap(watch.KindPriceNotParseable, "parse normalized price", err)
	}
	return d, nil
}
