// Package natscomm connects the ranks of a group through a
// NATS JetStream server, so that every rank can run in its
// own process.
//
// Each run gets its own memory-backed stream. Rank r reads
// the subject <prefix>.<run>.rank.<r> with an ordered
// consumer, so a rank may start sending before its peers
// have connected.
//
// A rank joins a run at most once. Dial records the join on
// <prefix>.<run>.claim.<r> and refuses a run id whose rank
// was already claimed, so a rerun never reads frames left
// over from an earlier run.
package natscomm

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/unixpickle/dist-sum/collcomm"
)

// ErrRankClaimed is returned by Dial when the rank already
// joined a run with the same id.
var ErrRankClaimed = errors.New("rank already joined this run")

const (
	DefaultSubjectPrefix    = "distsum"
	DefaultMaxAge           = 10 * time.Minute
	DefaultPublishTimeout   = 5 * time.Second
	DefaultMaxFrameElements = 32 * 1024
)

// Config identifies a run and tunes how messages are
// published.
type Config struct {
	// RunID is shared by every rank of one run.
	RunID string

	// SubjectPrefix is the first token of every subject.
	SubjectPrefix string

	// MaxAge bounds how long undelivered messages are kept.
	MaxAge time.Duration

	// PublishTimeout bounds each publish acknowledgement.
	PublishTimeout time.Duration

	// MaxFrameElements is the largest number of payload
	// elements published in a single NATS message. Larger
	// payloads are split into several frames.
	MaxFrameElements int
}

// ApplyDefaults fills in zero fields.
func (c *Config) ApplyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.MaxAge == 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.MaxFrameElements == 0 {
		c.MaxFrameElements = DefaultMaxFrameElements
	}
}

// Validate checks that the config can name a stream and
// its subjects.
func (c *Config) Validate() error {
	if err := checkToken("run id", c.RunID); err != nil {
		return err
	}
	if err := checkToken("subject prefix", c.SubjectPrefix); err != nil {
		return err
	}
	if c.MaxAge < 0 || c.PublishTimeout < 0 {
		return fmt.Errorf("%w: negative duration in NATS config", collcomm.ErrPrecondition)
	}
	if c.MaxFrameElements < 1 {
		return fmt.Errorf("%w: frame size %d", collcomm.ErrPrecondition, c.MaxFrameElements)
	}
	return nil
}

func checkToken(name, s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty %s", collcomm.ErrPrecondition, name)
	}
	if strings.ContainsAny(s, ".*> \t\r\n") {
		return fmt.Errorf("%w: %s %q contains a reserved character", collcomm.ErrPrecondition, name, s)
	}
	return nil
}

// NewRunID creates a random run id.
func NewRunID() string {
	return uuid.NewString()
}

// StreamName returns the name of a run's stream.
func StreamName(prefix, runID string) string {
	return prefix + "_" + runID
}

func rankSubject(prefix, runID string, rank int) string {
	return fmt.Sprintf("%s.%s.rank.%d", prefix, runID, rank)
}

func claimSubject(prefix, runID string, rank int) string {
	return fmt.Sprintf("%s.%s.claim.%d", prefix, runID, rank)
}

// DeleteRun removes a run's stream and any messages left
// in it.
func DeleteRun(ctx context.Context, nc *nats.Conn, prefix, runID string) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := js.DeleteStream(ctx, StreamName(prefix, runID)); err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	return nil
}

// A Transport publishes messages to JetStream and reads
// this rank's subject.
//
// Messages between a pair of ranks arrive in the order
// they were sent.
type Transport struct {
	cfg    Config
	group  collcomm.Group
	js     jetstream.JetStream
	stream jetstream.Stream
	iter   jetstream.MessagesContext

	// partial holds multi-frame messages that are still
	// being received, keyed by source rank.
	partial map[int]*collcomm.Message
	closed  atomic.Bool
}

// Dial joins a run as one rank of group.
//
// The run's stream is created if it does not exist yet.
// Dial fails with ErrRankClaimed (and ErrPrecondition) if
// this rank already joined a run with the same id and the
// run was not deleted with DeleteRun.
func Dial(ctx context.Context, nc *nats.Conn, cfg Config, group collcomm.Group) (*Transport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	stream, err := ensureStream(ctx, js, cfg)
	if err != nil {
		return nil, err
	}
	if err := claim(ctx, js, cfg, group); err != nil {
		return nil, err
	}

	cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{rankSubject(cfg.SubjectPrefix, cfg.RunID, group.Rank())},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", group, err)
	}

	iter, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to create message iterator: %w", err)
	}

	return &Transport{
		cfg:     cfg,
		group:   group,
		js:      js,
		stream:  stream,
		iter:    iter,
		partial: map[int]*collcomm.Message{},
	}, nil
}

// Spawn dials every rank of a run over one connection and
// calls f for each rank in its own Goroutine.
// It returns once every call has returned and every Comms
// has been closed.
func Spawn(ctx context.Context, nc *nats.Conn, cfg Config, size int, f func(c *collcomm.Comms),
	opts ...collcomm.Option) error {
	if size < 1 {
		return fmt.Errorf("%w: group size %d", collcomm.ErrPrecondition, size)
	}
	comms := make([]*collcomm.Comms, size)
	for rank := range comms {
		group, err := collcomm.NewGroup(rank, size)
		if err != nil {
			return err
		}
		t, err := Dial(ctx, nc, cfg, group)
		if err != nil {
			for _, c := range comms[:rank] {
				c.Close()
			}
			return err
		}
		comms[rank] = collcomm.NewComms(group, t, opts...)
	}

	var wg sync.WaitGroup
	for _, c := range comms {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			f(c)
		}()
	}
	wg.Wait()
	return nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.Stream, error) {
	name := StreamName(cfg.SubjectPrefix, cfg.RunID)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{fmt.Sprintf("%s.%s.>", cfg.SubjectPrefix, cfg.RunID)},
		Storage:  jetstream.MemoryStorage,
		MaxAge:   cfg.MaxAge,
	})
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		// Another rank created it first.
		stream, err = js.Stream(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return stream, nil
}

// claim publishes the rank's join marker, expecting the
// claim subject to be empty.
func claim(ctx context.Context, js jetstream.JetStream, cfg Config, group collcomm.Group) error {
	subject := claimSubject(cfg.SubjectPrefix, cfg.RunID, group.Rank())
	pubCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()
	_, err := js.Publish(pubCtx, subject, []byte(group.String()),
		jetstream.WithExpectLastSequencePerSubject(0))
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return fmt.Errorf("%w: %w: %s of run %s (use a new run id or delete the run)",
			collcomm.ErrPrecondition, ErrRankClaimed, group, cfg.RunID)
	}
	if err != nil {
		return fmt.Errorf("failed to join run %s: %w", cfg.RunID, err)
	}
	return nil
}

// Send publishes msg to dst, split into frames of at most
// MaxFrameElements elements.
func (t *Transport) Send(dst int, msg *collcomm.Message) error {
	if t.closed.Load() {
		return collcomm.ErrClosed
	}
	if !t.group.Contains(dst) {
		return fmt.Errorf("%w: no rank %d in a group of %d", collcomm.ErrPrecondition, dst, t.group.Size())
	}
	subject := rankSubject(t.cfg.SubjectPrefix, t.cfg.RunID, dst)

	offset := 0
	for {
		end := min(offset+t.cfg.MaxFrameElements, len(msg.Payload))
		f := frame{
			Kind:    msg.Kind,
			Source:  msg.Source,
			Seq:     msg.Seq,
			Root:    msg.Root,
			Class:   msg.Class,
			Reason:  msg.Reason,
			Payload: msg.Payload[offset:end],
			More:    end < len(msg.Payload),
		}
		data, err := f.encode()
		if err != nil {
			return err
		}
		if err := t.publish(subject, data); err != nil {
			return err
		}
		if !f.More {
			return nil
		}
		offset = end
	}
}

func (t *Transport) publish(subject string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PublishTimeout)
	defer cancel()
	if _, err := t.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Recv waits for the next complete message addressed to
// this rank.
func (t *Transport) Recv() (*collcomm.Message, error) {
	for {
		if t.closed.Load() {
			return nil, collcomm.ErrClosed
		}
		raw, err := t.iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil, collcomm.ErrClosed
			}
			return nil, fmt.Errorf("failed to receive: %w", err)
		}
		f, err := decodeFrame(raw.Data())
		if err != nil {
			return nil, err
		}
		msg, done := t.assemble(f)
		if done {
			return msg, nil
		}
	}
}

// assemble adds a frame to the message its source is
// sending, and reports whether that message is complete.
func (t *Transport) assemble(f *frame) (*collcomm.Message, bool) {
	msg, ok := t.partial[f.Source]
	if !ok {
		msg = &collcomm.Message{
			Kind:   f.Kind,
			Source: f.Source,
			Seq:    f.Seq,
			Root:   f.Root,
			Class:  f.Class,
			Reason: f.Reason,
		}
	}
	msg.Payload = append(msg.Payload, f.Payload...)
	if f.More {
		t.partial[f.Source] = msg
		return nil, false
	}
	delete(t.partial, f.Source)
	return msg, true
}

// Close stops reading this rank's subject and purges it.
//
// The run's stream is left in place for the other ranks.
// The rank's claim is published again, so that it expires
// no earlier than any frame sent to this rank.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.iter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PublishTimeout)
	defer cancel()
	subject := rankSubject(t.cfg.SubjectPrefix, t.cfg.RunID, t.group.Rank())
	if err := t.stream.Purge(ctx, jetstream.WithPurgeSubject(subject)); err != nil {
		return fmt.Errorf("failed to purge %s: %w", subject, err)
	}
	claimed := claimSubject(t.cfg.SubjectPrefix, t.cfg.RunID, t.group.Rank())
	if _, err := t.js.Publish(ctx, claimed, []byte(t.group.String())); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", claimed, err)
	}
	return nil
}

// frame is the unit published to NATS.
type frame struct {
	Kind    collcomm.Kind
	Source  int
	Seq     uint64
	Root    int
	Class   collcomm.ErrorClass
	Reason  string
	Payload []int64

	// More is set on every frame of a message but the last.
	More bool
}

func (f *frame) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %w", collcomm.ErrContractViolation, err)
	}
	return &f, nil
}
