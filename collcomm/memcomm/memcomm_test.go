package memcomm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/collcomm/commtest"
)

func spawn(t *testing.T, size int, f func(c collcomm.Channel)) {
	Spawn(size, func(c *collcomm.Comms) {
		f(c)
	})
}

func TestChannel(t *testing.T) {
	commtest.RunChannelTests(t, spawn)
}

func TestTransportIsolation(t *testing.T) {
	hub := NewHub(2)
	payload := []int64{1, 2, 3}
	require.NoError(t, hub.Transport(0).Send(1, &collcomm.Message{Kind: collcomm.KindScatter, Payload: payload}))
	payload[0] = 100

	msg, err := hub.Transport(1).Recv()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, msg.Payload)
}

func TestTransportClose(t *testing.T) {
	hub := NewHub(2)
	done := make(chan error, 1)
	go func() {
		_, err := hub.Transport(1).Recv()
		done <- err
	}()
	require.NoError(t, hub.Transport(1).Close())
	require.ErrorIs(t, <-done, collcomm.ErrClosed)

	// Sends to a closed rank are dropped silently.
	require.NoError(t, hub.Transport(0).Send(1, &collcomm.Message{Kind: collcomm.KindReduce}))
}

func TestTransportBadRank(t *testing.T) {
	hub := NewHub(2)
	require.Equal(t, 2, hub.Size())
	for _, dst := range []int{-1, 2} {
		err := hub.Transport(0).Send(dst, &collcomm.Message{Kind: collcomm.KindBroadcast})
		require.ErrorIs(t, err, collcomm.ErrPrecondition, "dst %d", dst)
	}
}
