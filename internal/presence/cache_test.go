package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActivityCacheDebounce(t *testing.T) {
	c := NewActivityCacheWithDebounce(30 * time.Second)

	base := int64(1_000_000)
	require.True(t, c.QueueSessionUpdate("s1", "acc", base))
	c.MarkSessionUpdateSent("s1", "acc", base)

	// Inside the debounce window: suppressed.
	require.False(t, c.QueueSessionUpdate("s1", "acc", base+29_000))

	// At the boundary: allowed again.
	require.True(t, c.QueueSessionUpdate("s1", "acc", base+30_000))
}

func TestActivityCacheUnsentHeartbeatStaysEligible(t *testing.T) {
	c := NewActivityCacheWithDebounce(30 * time.Second)

	base := int64(1_000_000)
	require.True(t, c.QueueSessionUpdate("s1", "acc", base))
	// Publish failed, so MarkSessionUpdateSent is never called.

	// The watermark was not advanced; the next heartbeat is still eligible.
	require.True(t, c.QueueSessionUpdate("s1", "acc", base+1_000))
}

func TestActivityCacheEntitiesAreIndependent(t *testing.T) {
	c := NewActivityCacheWithDebounce(30 * time.Second)

	base := int64(1_000_000)
	require.True(t, c.QueueSessionUpdate("s1", "acc", base))
	c.MarkSessionUpdateSent("s1", "acc", base)

	// Same id under a different account, and a machine with the same id,
	// each have their own watermark.
	require.True(t, c.QueueSessionUpdate("s1", "other", base+1))
	require.True(t, c.QueueMachineUpdate("s1", "acc", base+1))
}

func TestActivityCacheMarkSentKeepsNewestTimestamp(t *testing.T) {
	c := NewActivityCacheWithDebounce(30 * time.Second)

	base := int64(1_000_000)
	c.MarkSessionUpdateSent("s1", "acc", base+5_000)
	c.MarkSessionUpdateSent("s1", "acc", base) // out of order, ignored

	require.False(t, c.QueueSessionUpdate("s1", "acc", base+6_000))
	require.True(t, c.QueueSessionUpdate("s1", "acc", base+35_000))
}

func TestActivityCacheExpiredEntriesAreCleaned(t *testing.T) {
	c := NewActivityCacheWithDebounce(30 * time.Second)

	clock := int64(1_000_000)
	c.SetClock(func() int64 { return clock })

	require.True(t, c.QueueSessionUpdate("s1", "acc", clock))
	c.MarkSessionUpdateSent("s1", "acc", clock)

	// Jump past both the entry TTL and the cleanup interval; the entry is
	// dropped, so the next heartbeat is treated as first sight.
	clock += (defaultTTL + cleanupEvery + time.Second).Milliseconds()
	require.True(t, c.QueueSessionUpdate("s1", "acc", clock))
}
