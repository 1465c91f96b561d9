package credcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(Config{})
	c.Set(1000, "nfs/host@EXAMPLE.COM", "cred-1", NoExpiration)

	got, ok := c.Get(1000, "nfs/host@EXAMPLE.COM")
	require.True(t, ok)
	assert.Equal(t, "cred-1", got)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(Config{})
	_, ok := c.Get(1000, "nfs/host@EXAMPLE.COM")
	assert.False(t, ok)
}

func TestDifferentPrincipalsDoNotCollide(t *testing.T) {
	c := New(Config{})
	c.Set(1000, "nfs/a@EXAMPLE.COM", "a", NoExpiration)
	c.Set(1000, "nfs/b@EXAMPLE.COM", "b", NoExpiration)

	a, ok := c.Get(1000, "nfs/a@EXAMPLE.COM")
	require.True(t, ok)
	assert.Equal(t, "a", a)

	b, ok := c.Get(1000, "nfs/b@EXAMPLE.COM")
	require.True(t, ok)
	assert.Equal(t, "b", b)
}

func TestNegativeEntryCooldownExpires(t *testing.T) {
	c := New(Config{CleanupInterval: 10 * time.Millisecond})
	c.Set(1000, "nfs/host@EXAMPLE.COM", "negative", 20*time.Millisecond)

	_, ok := c.Get(1000, "nfs/host@EXAMPLE.COM")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Get(1000, "nfs/host@EXAMPLE.COM")
		return !ok
	}, time.Second, 5*time.Millisecond, "negative entry must expire after its cooldown TTL")
}

func TestEvictRemovesAllPrincipalsForUID(t *testing.T) {
	c := New(Config{})
	c.Set(1000, "nfs/a@EXAMPLE.COM", "a", NoExpiration)
	c.Set(1000, "nfs/b@EXAMPLE.COM", "b", NoExpiration)
	c.Set(2000, "nfs/a@EXAMPLE.COM", "other", NoExpiration)

	c.Evict(1000)

	_, ok := c.Get(1000, "nfs/a@EXAMPLE.COM")
	assert.False(t, ok)
	_, ok = c.Get(1000, "nfs/b@EXAMPLE.COM")
	assert.False(t, ok)

	_, ok = c.Get(2000, "nfs/a@EXAMPLE.COM")
	assert.True(t, ok, "Evict must not touch other uids")
}

func TestLenTracksEntries(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, 0, c.Len())
	c.Set(1000, "nfs/a@EXAMPLE.COM", "a", NoExpiration)
	assert.Equal(t, 1, c.Len())
	c.Set(1000, "nfs/b@EXAMPLE.COM", "b", NoExpiration)
	assert.Equal(t, 2, c.Len())
}

func TestOnEvictedFiresOnExplicitEvict(t *testing.T) {
	c := New(Config{})
	c.Set(1000, "nfs/host@EXAMPLE.COM", "cred-1", NoExpiration)

	done := make(chan struct{})
	var gotUID uint32
	var gotPrincipal string
	var gotValue any
	c.OnEvicted(func(uid uint32, principal string, value any) {
		gotUID, gotPrincipal, gotValue = uid, principal, value
		close(done)
	})

	c.Evict(1000)

	select {
	case <-done:
		assert.Equal(t, uint32(1000), gotUID)
		assert.Equal(t, "nfs/host@EXAMPLE.COM", gotPrincipal)
		assert.Equal(t, "cred-1", gotValue)
	case <-time.After(time.Second):
		t.Fatal("OnEvicted callback never fired")
	}
}

func TestItemsSnapshot(t *testing.T) {
	c := New(Config{})
	c.Set(1000, "nfs/host@EXAMPLE.COM", "cred-1", NoExpiration)

	items := c.Items()
	require.Len(t, items, 1)
	for _, v := range items {
		assert.Equal(t, "cred-1", v)
	}
}
