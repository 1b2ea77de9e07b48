// Package simulator runs simulated distributed systems on
// a virtual clock.
//
// Every simulated worker is a Goroutine started with
// EventLoop.Go. Virtual time only advances while every
// worker is blocked waiting for an event, so workers can
// compute for as long as they like in real time.
package simulator

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by Poll, and by Run, when every
// Goroutine on the loop is waiting for an event that will
// never arrive.
var ErrDeadlock = errors.New("deadlock: all Handles are polling")

// An EventStream is a uni-directional channel of events
// that are passed through an EventLoop.
//
// It is only safe to use an EventStream on one EventLoop
// at once.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer controls the delayed delivery of an event.
//
// Timers with the same deadline fire in the order they
// were scheduled.
type Timer struct {
	time  float64
	seq   uint64
	event *Event
}

// Time gets the virtual time when the timer fires.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is a Goroutine's mechanism for accessing an
// EventLoop. Goroutines should not share Handles.
type Handle struct {
	*EventLoop

	// These fields are empty when the Goroutine is
	// not polling on any streams.
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll waits for the next event from a set of streams.
//
// If the loop detects a deadlock while the Goroutine is
// waiting, Poll returns ErrDeadlock.
func (h *Handle) Poll(streams ...*EventStream) (*Event, error) {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	if event := <-ch; event != nil {
		return event, nil
	}
	return nil, ErrDeadlock
}

// Schedule creates a Timer for delivering an event.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	deadline := h.Time() + delay
	if math.IsInf(deadline, 0) || math.IsNaN(deadline) || delay < 0 {
		panic(fmt.Sprintf("invalid deadline: %f", deadline))
	}
	timer := &Timer{
		time:  deadline,
		event: &Event{Message: msg, Stream: stream},
	}
	h.modify(func() {
		timer.seq = h.scheduled
		h.scheduled++
		heap.Push(&h.timers, timer)
	})
	return timer
}

// Sleep waits for a certain amount of virtual time to
// elapse.
func (h *Handle) Sleep(delay float64) error {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	_, err := h.Poll(stream)
	return err
}

// An EventLoop is a global scheduler for events in a
// simulated distributed system.
type EventLoop struct {
	lock      sync.Mutex
	timers    timerQueue
	scheduled uint64
	handles   []*Handle

	time float64

	// deadlocked is set once the loop has had to wake up
	// Goroutines that were polling forever.
	deadlocked bool

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop.
//
// The event loop's clock starts at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs a function in a Goroutine and passes it a new
// handle to the EventLoop.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		defer e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
		f(h)
	}()
}

// Run runs the loop and blocks until every Goroutine
// started with Go has returned.
//
// If the Goroutines deadlocked at some point, they are
// woken up with ErrDeadlock, and Run returns ErrDeadlock
// once they have all exited.
//
// It is not safe to run the loop from more than one
// Goroutine at once.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.deadlocked = false
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if !e.step() {
			break
		}
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.deadlocked {
		return ErrDeadlock
	}
	return nil
}

// MustRun is like Run, but it panics if there is a
// deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify calls f while holding the loop's lock.
//
// f must not change which Goroutines are polling.
// If it does, use modifyHandles.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify(), but it also wakes up the
// loop so that it can react to scheduling changes.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step runs the next event on the loop, if possible.
//
// It returns false once no Goroutines are left.
func (e *EventLoop) step() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// Do not run the loop while a Goroutine is
			// doing work in real-time.
			return true
		}
	}

	for e.timers.Len() > 0 {
		timer := heap.Pop(&e.timers).(*Timer)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true
		}
	}

	// Nothing can ever wake the pollers up, so release
	// them with an error.
	e.deadlocked = true
	for _, h := range e.handles {
		h.pollChan <- nil
		h.pollChan = nil
		h.pollStreams = nil
	}
	return true
}

func (e *EventLoop) deliver(event *Event) bool {
	// Shuffle the handles so that two receivers don't get
	// messages in a deterministic order.
	indices := rand.Perm(len(e.handles))
	for _, i := range indices {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}

// timerQueue is a min-heap of timers keyed on deadline and
// then on scheduling order.
type timerQueue []*Timer

func (t timerQueue) Len() int {
	return len(t)
}

func (t timerQueue) Less(i, j int) bool {
	if t[i].time != t[j].time {
		return t[i].time < t[j].time
	}
	return t[i].seq < t[j].seq
}

func (t timerQueue) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
}

func (t *timerQueue) Push(x interface{}) {
	*t = append(*t, x.(*Timer))
}

func (t *timerQueue) Pop() interface{} {
	old := *t
	n := len(old)
	res := old[n-1]
	old[n-1] = nil
	*t = old[:n-1]
	return res
}
