package natscomm

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/collcomm/commtest"
	"github.com/unixpickle/dist-sum/internal/testutil"
)

func spawner(nc *nats.Conn, cfg Config) commtest.SpawnFunc {
	return func(t *testing.T, size int, f func(c collcomm.Channel)) {
		runCfg := cfg
		runCfg.RunID = NewRunID()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := Spawn(ctx, nc, runCfg, size, func(c *collcomm.Comms) {
			f(c)
		})
		require.NoError(t, err)
		require.NoError(t, DeleteRun(ctx, nc, DefaultSubjectPrefix, runCfg.RunID))
	}
}

func TestChannel(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	commtest.RunChannelTests(t, spawner(nc, Config{}))
}

func TestChannelSmallFrames(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	spawn := spawner(nc, Config{MaxFrameElements: 7})
	t.Run("Broadcast", func(t *testing.T) { commtest.TestBroadcast(t, spawn) })
	t.Run("ScatterVariable", func(t *testing.T) { commtest.TestScatterVariable(t, spawn) })
	t.Run("Sequence", func(t *testing.T) { commtest.TestSequence(t, spawn) })
}

func TestSendBeforeDial(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	ctx := context.Background()
	cfg := Config{RunID: NewRunID()}

	g0, err := collcomm.NewGroup(0, 2)
	require.NoError(t, err)
	t0, err := Dial(ctx, nc, cfg, g0)
	require.NoError(t, err)
	defer t0.Close()

	payload := make([]int64, 100)
	for i := range payload {
		payload[i] = int64(i)
	}
	msg := &collcomm.Message{Kind: collcomm.KindBroadcast, Source: 0, Seq: 1, Payload: payload}
	require.NoError(t, t0.Send(1, msg))

	// Rank 1 joins after the message was published.
	g1, err := collcomm.NewGroup(1, 2)
	require.NoError(t, err)
	t1, err := Dial(ctx, nc, cfg, g1)
	require.NoError(t, err)
	defer t1.Close()

	got, err := t1.Recv()
	require.NoError(t, err)
	require.Equal(t, collcomm.KindBroadcast, got.Kind)
	require.Equal(t, uint64(1), got.Seq)
	require.Equal(t, payload, got.Payload)

	require.NoError(t, DeleteRun(ctx, nc, DefaultSubjectPrefix, cfg.RunID))
}

func TestClose(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	g, err := collcomm.NewGroup(0, 1)
	require.NoError(t, err)
	tr, err := Dial(context.Background(), nc, Config{RunID: NewRunID()}, g)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Recv()
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, collcomm.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
	require.ErrorIs(t, tr.Send(0, &collcomm.Message{Kind: collcomm.KindReduce}), collcomm.ErrClosed)
}

func TestRerunSameRunID(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := Config{RunID: "job1"}

	reduce := func(values []int64) ([]int64, []error) {
		sums := make([]int64, len(values))
		errs := make([]error, len(values))
		err := Spawn(ctx, nc, cfg, len(values), func(c *collcomm.Comms) {
			rank := c.Group().Rank()
			res, err := c.Reduce(0, []int64{values[rank]}, collcomm.Sum)
			if err == nil {
				err = c.Barrier()
			}
			if rank == 0 && err == nil {
				sums[rank] = res[0]
			}
			errs[rank] = err
		})
		if err != nil {
			return nil, []error{err}
		}
		return sums, errs
	}

	sums, errs := reduce([]int64{1, 2, 3, 4})
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(10), sums[0])

	// The earlier run is still in the stream, so every rank
	// of the rerun must be refused.
	_, errs = reduce([]int64{10, 20, 30, 40})
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrRankClaimed)
	require.ErrorIs(t, errs[0], collcomm.ErrPrecondition)

	for rank := 0; rank < 4; rank++ {
		g, err := collcomm.NewGroup(rank, 4)
		require.NoError(t, err)
		_, err = Dial(ctx, nc, cfg, g)
		require.ErrorIs(t, err, ErrRankClaimed, "rank %d", rank)
	}

	require.NoError(t, DeleteRun(ctx, nc, DefaultSubjectPrefix, cfg.RunID))
	sums, errs = reduce([]int64{10, 20, 30, 40})
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(100), sums[0])
	require.NoError(t, DeleteRun(ctx, nc, DefaultSubjectPrefix, cfg.RunID))
}

func TestClosePurges(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	ctx := context.Background()
	cfg := Config{RunID: NewRunID()}

	g0, err := collcomm.NewGroup(0, 2)
	require.NoError(t, err)
	t0, err := Dial(ctx, nc, cfg, g0)
	require.NoError(t, err)
	g1, err := collcomm.NewGroup(1, 2)
	require.NoError(t, err)
	t1, err := Dial(ctx, nc, cfg, g1)
	require.NoError(t, err)

	// Rank 1 never reads this message.
	msg := &collcomm.Message{Kind: collcomm.KindBroadcast, Source: 0, Seq: 1, Payload: []int64{5}}
	require.NoError(t, t0.Send(1, msg))
	require.NoError(t, t1.Close())
	require.NoError(t, t0.Close())

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, StreamName(DefaultSubjectPrefix, cfg.RunID))
	require.NoError(t, err)
	for rank := 0; rank < 2; rank++ {
		_, err = stream.GetLastMsgForSubject(ctx, rankSubject(DefaultSubjectPrefix, cfg.RunID, rank))
		require.ErrorIs(t, err, jetstream.ErrMsgNotFound, "rank %d", rank)
		_, err = stream.GetLastMsgForSubject(ctx, claimSubject(DefaultSubjectPrefix, cfg.RunID, rank))
		require.NoError(t, err, "rank %d", rank)
	}

	require.NoError(t, DeleteRun(ctx, nc, DefaultSubjectPrefix, cfg.RunID))
}

func TestDeleteRun(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	ctx := context.Background()
	cfg := Config{RunID: NewRunID()}
	g, err := collcomm.NewGroup(0, 1)
	require.NoError(t, err)
	tr, err := Dial(ctx, nc, cfg, g)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	require.NoError(t, DeleteRun(ctx, nc, DefaultSubjectPrefix, cfg.RunID))

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	_, err = js.Stream(ctx, StreamName(DefaultSubjectPrefix, cfg.RunID))
	require.ErrorIs(t, err, jetstream.ErrStreamNotFound)
}

func TestConfigValidate(t *testing.T) {
	cases := []Config{
		{},
		{RunID: "a.b"},
		{RunID: "run", SubjectPrefix: "dist*sum"},
		{RunID: "run", MaxFrameElements: -1},
		{RunID: "run", MaxAge: -time.Second},
	}
	for i, cfg := range cases {
		cfg := cfg
		cfg.ApplyDefaults()
		require.ErrorIs(t, cfg.Validate(), collcomm.ErrPrecondition, "case %d", i)
	}

	cfg := Config{RunID: NewRunID()}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultSubjectPrefix, cfg.SubjectPrefix)
	require.Equal(t, DefaultMaxFrameElements, cfg.MaxFrameElements)
}

func TestFrameRoundTrip(t *testing.T) {
	f := &frame{
		Kind:   collcomm.KindAbort,
		Source: 3,
		Seq:    9,
		Class:  collcomm.ClassAllocation,
		Reason: "too big",
	}
	data, err := f.encode()
	require.NoError(t, err)
	got, err := decodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, f, got)

	_, err = decodeFrame([]byte("garbage"))
	require.ErrorIs(t, err, collcomm.ErrContractViolation)
}
