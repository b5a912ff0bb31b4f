package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_DoublesPerAttempt(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 8}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
}

func TestDelay_SaturatesAtCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 8}

	assert.Equal(t, 30*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(7))
	assert.Equal(t, 30*time.Second, p.Delay(100))
}

func TestDelay_Monotonic(t *testing.T) {
	p := Default()

	prev := time.Duration(0)

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay decreased at attempt %d", attempt)
		assert.LessOrEqual(t, d, p.Cap, "delay above cap at attempt %d", attempt)
		prev = d
	}
}

func TestDelay_NegativeAttemptTreatedAsZero(t *testing.T) {
	p := Default()

	assert.Equal(t, p.Delay(0), p.Delay(-3))
}

func TestDelay_LargeAttemptDoesNotOverflow(t *testing.T) {
	p := Policy{Base: time.Hour, Cap: 24 * time.Hour, MaxAttempts: 1000}

	assert.Equal(t, 24*time.Hour, p.Delay(600))
}

func TestExhausted(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(10))
}

func TestDefault(t *testing.T) {
	p := Default()

	assert.Equal(t, DefaultBase, p.Base)
	assert.Equal(t, DefaultCap, p.Cap)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
}
