package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBudgetContains(t *testing.T) {
	b := &Budget{PeriodStart: day(2024, 3, 1), PeriodEnd: day(2024, 3, 31)}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"first day", day(2024, 3, 1), true},
		{"last day late evening", time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC), true},
		{"day before", time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC), false},
		{"day after", day(2024, 4, 1), false},
		{"offset zone resolves to UTC day", time.Date(2024, 4, 1, 0, 30, 0, 0, time.FixedZone("CET", 3600)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Contains(tt.at))
		})
	}
}

func TestBudgetOverlaps(t *testing.T) {
	march := &Budget{PeriodStart: day(2024, 3, 1), PeriodEnd: day(2024, 3, 31)}

	assert.True(t, march.Overlaps(&Budget{PeriodStart: day(2024, 3, 31), PeriodEnd: day(2024, 4, 30)}))
	assert.True(t, march.Overlaps(&Budget{PeriodStart: day(2024, 3, 10), PeriodEnd: day(2024, 3, 12)}))
	assert.False(t, march.Overlaps(&Budget{PeriodStart: day(2024, 4, 1), PeriodEnd: day(2024, 4, 30)}))
	assert.False(t, march.Overlaps(&Budget{PeriodStart: day(2024, 2, 1), PeriodEnd: day(2024, 2, 29)}))
}

func TestTransactionHasCategory(t *testing.T) {
	var nilTx *Transaction
	assert.False(t, nilTx.HasCategory())
	assert.False(t, (&Transaction{}).HasCategory())
	assert.True(t, (&Transaction{CategoryID: "cat-1"}).HasCategory())
}
