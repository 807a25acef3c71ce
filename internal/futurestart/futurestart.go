// Package futurestart implements the Future-Start Scheduler (spec C4): a
// two-phase wait (coarse timer + fine tick) that starts playback precisely
// at a target room-time, idempotent under retransmission of the same
// (epoch, seq).
package futurestart

import (
	"sync"
	"time"

	"github.com/roomsync-labs/roomsync/internal/applog"
)

var log = applog.Get("futurestart")

const (
	coarseMargin  = 80 * time.Millisecond
	fineTick      = 2 * time.Millisecond
	idleReturnDelay = 2 * time.Second
)

// State is the scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateWaiting
	StateStarted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateWaiting:
		return "waiting"
	case StateStarted:
		return "started"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Descriptor identifies one future-start attempt.
type Descriptor struct {
	Epoch      int64
	Seq        int64
	TrackID    string
	StartAtRoomTime time.Time
	StartPosMs int64
}

// Result is reported after onStart fires.
type Result struct {
	Descriptor       Descriptor
	ActualStartRoomTime time.Time
	StartError       time.Duration // actualStart - target
}

// Scheduler runs the two-phase wait. It is single-writer: all exported
// methods are expected to be called from one logical thread (the facade's
// loop), except that timers fire onStart asynchronously via the
// onStart/onPrepare callbacks the caller supplies to Schedule.
type Scheduler struct {
	mu    sync.Mutex
	state State

	current  *Descriptor
	coarse   *time.Timer
	fine     *time.Ticker
	cancelCh chan struct{}

	roomNow func() time.Time
	sleep   func(time.Duration)
}

// New creates a Scheduler that reads room time via roomNow.
func New(roomNow func() time.Time) *Scheduler {
	return &Scheduler{
		state:   StateIdle,
		roomNow: roomNow,
		sleep:   time.Sleep,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Schedule starts (or restarts) a future-start attempt. onPrepare loads
// and seeks the decoder; onStart is invoked when the target room time
// arrives. A call for an already-scheduled or strictly-lesser epoch/seq
// returns immediately without effect.
func (s *Scheduler) Schedule(d Descriptor, onPrepare func() error, onStart func(Result)) {
	s.mu.Lock()
	if s.current != nil && !supersedes(d, *s.current) {
		s.mu.Unlock()
		log.Warnw("ignoring stale future-start", "epoch", d.Epoch, "seq", d.Seq)
		return
	}
	s.cancelLocked()
	s.current = &d
	s.state = StatePreparing
	s.mu.Unlock()

	go s.run(d, onPrepare, onStart)
}

// supersedes reports whether next should replace prev: a strictly newer
// epoch always wins; within the same epoch only a strictly newer seq
// wins. A call for (epoch, seq) already scheduled, or for a
// strictly-lesser epoch, is a no-op retransmission rather than a new
// attempt.
func supersedes(next, prev Descriptor) bool {
	if next.Epoch != prev.Epoch {
		return next.Epoch > prev.Epoch
	}
	return next.Seq > prev.Seq
}

func (s *Scheduler) run(d Descriptor, onPrepare func() error, onStart func(Result)) {
	if err := onPrepare(); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		log.Errorw("future-start prepare failed", "epoch", d.Epoch, "seq", d.Seq, "err", err)
		return
	}

	s.mu.Lock()
	if s.current == nil || *s.current != d {
		s.mu.Unlock()
		return // superseded while preparing
	}
	s.state = StateWaiting
	cancelCh := make(chan struct{})
	s.cancelCh = cancelCh
	s.mu.Unlock()

	s.wait(d, cancelCh, onStart)
}

func (s *Scheduler) wait(d Descriptor, cancelCh chan struct{}, onStart func(Result)) {
	remaining := d.StartAtRoomTime.Sub(s.roomNow())
	if remaining <= 0 {
		s.fire(d, onStart)
		return
	}

	if remaining > coarseMargin {
		timer := time.NewTimer(remaining - coarseMargin)
		s.mu.Lock()
		s.coarse = timer
		s.mu.Unlock()
		select {
		case <-timer.C:
		case <-cancelCh:
			return
		}
	}

	ticker := time.NewTicker(fineTick)
	defer ticker.Stop()
	s.mu.Lock()
	s.fine = ticker
	s.mu.Unlock()

	for {
		select {
		case <-cancelCh:
			return
		case <-ticker.C:
			if s.roomNow().Before(d.StartAtRoomTime) {
				continue
			}
			s.fire(d, onStart)
			return
		}
	}
}

func (s *Scheduler) fire(d Descriptor, onStart func(Result)) {
	actual := s.roomNow()
	result := Result{Descriptor: d, ActualStartRoomTime: actual, StartError: actual.Sub(d.StartAtRoomTime)}

	s.mu.Lock()
	s.state = StateStarted
	s.mu.Unlock()

	onStart(result)

	time.AfterFunc(idleReturnDelay, func() {
		s.mu.Lock()
		if s.state == StateStarted {
			s.state = StateIdle
		}
		s.mu.Unlock()
	})
}

// Cancel nullifies any outstanding timers and returns to idle without
// firing onStart.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.state = StateIdle
	s.current = nil
}

func (s *Scheduler) cancelLocked() {
	if s.coarse != nil {
		s.coarse.Stop()
		s.coarse = nil
	}
	if s.fine != nil {
		s.fine.Stop()
		s.fine = nil
	}
	if s.cancelCh != nil {
		close(s.cancelCh)
		s.cancelCh = nil
	}
}
