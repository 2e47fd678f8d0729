package records

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// TimeLayout keeps seven fractional digits, the precision of catalog
// timestamps, so values round-trip and sort as text.
const TimeLayout = "2006-01-02T15:04:05.0000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func FormatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "records: bad time %q", s)
	}
	return t.UTC(), nil
}

func ParseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func FormatOptionalBool(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func ParseOptionalBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, errors.Wrapf(err, "records: bad bool %q", s)
	}
	return &b, nil
}

func FormatOptionalInt(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

func ParseOptionalInt(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "records: bad integer %q", s)
	}
	return &n, nil
}
