package utils

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDescendingID_SortsNewestFirst(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{
		NewDescendingID(base).String(),
		NewDescendingID(base.Add(time.Hour)).String(),
		NewDescendingID(base.Add(-time.Hour)).String(),
	}
	newest := ids[1]
	oldest := ids[2]
	sort.Strings(ids)
	assert.Equal(t, newest, ids[0])
	assert.Equal(t, oldest, ids[2])
}

func TestDescendingID_Shape(t *testing.T) {
	id := NewDescendingID(time.Unix(0, 0))
	assert.Equal(t, "09223372036854775807", id.Sequential)
	assert.Len(t, id.Unique, 32)
	assert.NotEqual(t, id.Unique, NewDescendingID(time.Unix(0, 0)).Unique)
}

func TestRankID(t *testing.T) {
	assert.Equal(t, "P0000000042", RankID('P', 42))
	assert.Equal(t, "L0000000000", RankID('L', 0))
}
