package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := newBroadcaster(nil)
	a := b.subscribe()
	c := b.subscribe()

	b.publish([]byte{0x01, 0x02})

	select {
	case got := <-a:
		assert.Equal(t, []byte{0x01, 0x02}, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber a got nothing")
	}
	select {
	case got := <-c:
		assert.Equal(t, []byte{0x01, 0x02}, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber c got nothing")
	}
}

func TestBroadcasterDropsOnFullChannelAndNotifies(t *testing.T) {
	dropped := 0
	b := newBroadcaster(func() { dropped++ })
	ch := b.subscribe()

	for i := 0; i < 200; i++ {
		b.publish([]byte{byte(i)})
	}

	assert.Greater(t, dropped, 0)
	assert.Len(t, ch, cap(ch))
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := newBroadcaster(nil)
	ch := b.subscribe()
	b.unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcasterCloseAllClosesEverySubscriber(t *testing.T) {
	b := newBroadcaster(nil)
	a := b.subscribe()
	c := b.subscribe()
	b.closeAll()

	_, openA := <-a
	_, openC := <-c
	require.False(t, openA)
	require.False(t, openC)
}
