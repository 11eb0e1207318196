package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Cents is a currency amount in integer minor units (US cents).
// Collaborator services exchange amounts as decimal strings; they are
// converted on receipt so that summing many run costs never goes through
// floating point.
type Cents int64

var ErrInvalidAmount = errors.New("invalid currency amount")

// ParseUSD converts a decimal dollar string such as "5.00", "6", or "0.5"
// into cents. At most two fraction digits are accepted.
func ParseUSD(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}

	dollars, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	var cents int64

	switch len(frac) {
	case 0:
	case 1:
		d, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}

		cents = d * 10
	case 2:
		d, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}

		cents = d
	default:
		return 0, fmt.Errorf("%w: %q has more than two fraction digits", ErrInvalidAmount, s)
	}

	total := dollars*100 + cents
	if negative {
		total = -total
	}

	return Cents(total), nil
}

// USD renders the amount as a decimal dollar string, e.g. 600 -> "6.00".
func (c Cents) USD() string {
	sign := ""

	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}

	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
