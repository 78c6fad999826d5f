package send

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayBacksOff(t *testing.T) {
	w := &Worker{}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{10, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.retryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(ErrDailyQuotaExceeded))
	assert.True(t, isTerminal(ErrMonthlyQuotaExceeded))
	assert.False(t, isTerminal(ErrAccountSuspended))
	assert.False(t, isTerminal(assert.AnError))
}

func TestNextUTCDayIsInFuture(t *testing.T) {
	next := nextUTCDay()
	assert.True(t, next.After(time.Now().UTC()))
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 5, next.Minute())
}
