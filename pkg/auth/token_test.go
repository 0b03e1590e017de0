package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccepts_Current(t *testing.T) {
	tm := NewTokenManager("t1", 30*time.Second)

	assert.True(t, tm.Accepts("t1"))
	assert.False(t, tm.Accepts("t2"))
	assert.False(t, tm.Accepts(""))
}

func TestRotate_GraceWindow(t *testing.T) {
	now := time.Now()
	tm := NewTokenManager("t1", 30*time.Second)
	tm.now = func() time.Time { return now }

	tm.Rotate("t2")

	// New token accepted immediately, old token within grace.
	assert.True(t, tm.Accepts("t2"))
	assert.True(t, tm.Accepts("t1"))

	// Past the grace window only the new token works.
	now = now.Add(31 * time.Second)
	assert.True(t, tm.Accepts("t2"))
	assert.False(t, tm.Accepts("t1"))
}

func TestRotate_SameTokenNoOp(t *testing.T) {
	tm := NewTokenManager("t1", 30*time.Second)

	var events []string
	tm.SetAudit(func(event string, fields map[string]string) {
		events = append(events, event)
	})

	tm.Rotate("t1")
	assert.Empty(t, events)

	tm.Rotate("t2")
	assert.Equal(t, []string{"token.rotated"}, events)
}

func TestRotate_TwiceExpiresOldest(t *testing.T) {
	now := time.Now()
	tm := NewTokenManager("t1", 30*time.Second)
	tm.now = func() time.Time { return now }

	tm.Rotate("t2")
	tm.Rotate("t3")

	assert.True(t, tm.Accepts("t3"))
	assert.True(t, tm.Accepts("t2"))
	// t1 was displaced from the grace slot by the second rotation.
	assert.False(t, tm.Accepts("t1"))
}

func TestFingerprint_NotRawToken(t *testing.T) {
	tm := NewTokenManager("super-secret", 0)
	fp := tm.Fingerprint()
	require.Len(t, fp, 8)
	assert.NotContains(t, "super-secret", fp)
}

func TestGenerate(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
