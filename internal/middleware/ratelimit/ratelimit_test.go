package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterExhaustsBucket(t *testing.T) {
	l := New(Config{RequestsPerMinute: 3, Window: time.Hour})
	defer l.Stop()

	assert.True(t, l.allow("u1"))
	assert.True(t, l.allow("u1"))
	assert.True(t, l.allow("u1"))
	assert.False(t, l.allow("u1"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, Window: time.Hour})
	defer l.Stop()

	assert.True(t, l.allow("u1"))
	assert.False(t, l.allow("u1"))
	assert.True(t, l.allow("u2"))
}

func TestLimiterRefills(t *testing.T) {
	l := New(Config{RequestsPerMinute: 100, Window: 100 * time.Millisecond})
	defer l.Stop()

	for i := 0; i < 100; i++ {
		l.allow("u1")
	}
	assert.False(t, l.allow("u1"))

	time.Sleep(5 * time.Millisecond)
	assert.True(t, l.allow("u1"))
}
