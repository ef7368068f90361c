package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceMovesNow(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fake := Fake(start)
	fake.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), fake.Now())
}

func TestFakeTickerFiresOnceCrossed(t *testing.T) {
	t.Parallel()

	fake := Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)

	fake.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before its interval")
	default:
	}

	fake.Advance(600 * time.Millisecond)
	select {
	case <-ticker.C:
	default:
		require.FailNow(t, "ticker did not fire after its interval")
	}

	ticker.Stop()
	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
