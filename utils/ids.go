package utils

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DescendingID is a time based id which sorts newer ids first. Unique is a
// random lower case hex token, usable on its own as a storage name suffix.
type DescendingID struct {
	Sequential string
	Unique     string
}

func (d DescendingID) String() string {
	return d.Sequential + "-" + d.Unique
}

// NewDescendingID takes 100ns ticks since the Unix epoch and subtracts them
// from max int64, zero padded to 20 digits.
func NewDescendingID(now time.Time) DescendingID {
	ticks := now.UTC().UnixNano() / 100
	return DescendingID{
		Sequential: fmt.Sprintf("%020d", int64(math.MaxInt64)-ticks),
		Unique:     UniqueToken(),
	}
}

func UniqueToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RankID formats a zero padded ordinal key with a one letter prefix,
// e.g. P0000000042.
func RankID(prefix byte, rank int) string {
	return fmt.Sprintf("%c%010d", prefix, rank)
}
