// Package clocksync implements the Clock Synchronizer (spec C3): it
// drives periodic ping/pong exchanges over the Message Transport and
// feeds the resulting samples into a clock.Clock. Named clocksync rather
// than sync to avoid shadowing the standard library package.
package clocksync

import (
	"sync"
	"time"

	"github.com/roomsync-labs/roomsync/internal/applog"
	"github.com/roomsync-labs/roomsync/internal/clock"
	"github.com/roomsync-labs/roomsync/internal/wire"
)

var log = applog.Get("clocksync")

// Cadence selects the ping interval.
type Cadence int

const (
	// CadenceNormal is the default foreground ping interval.
	CadenceNormal Cadence = iota
	// CadenceBackground is used while the app is backgrounded.
	CadenceBackground
	// CadenceFastRecovery runs a short burst of fast pings right after a
	// background-to-foreground transition, then falls back to normal.
	CadenceFastRecovery
)

const (
	intervalNormal     = 800 * time.Millisecond
	intervalBackground = 2 * time.Second
	intervalFast       = 200 * time.Millisecond
	fastRecoveryCount  = 3

	pongTimeout = 2 * time.Second
)

// Sender is the subset of the Client transport the synchronizer needs.
type Sender interface {
	Send(msg any) error
}

// Synchronizer drives C3's ping loop. It owns no goroutine of its own
// beyond the one started by Start; OnPong and SetBackground may be called
// from other goroutines and take the mutex guarding the in-flight map and
// cadence state.
type Synchronizer struct {
	transport Sender
	c         *clock.Clock
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[int64]time.Time

	cadence     Cadence
	fastLeft    int
	stopCh      chan struct{}
	stoppedCh   chan struct{}
}

// New creates a Synchronizer bound to the given transport and clock.
func New(transport Sender, c *clock.Clock) *Synchronizer {
	return &Synchronizer{
		transport: transport,
		c:         c,
		now:       time.Now,
		inFlight:  make(map[int64]time.Time),
		cadence:   CadenceNormal,
	}
}

// Start begins the ping loop in its own goroutine. Call Stop to end it.
func (s *Synchronizer) Start() {
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	go s.loop()
}

// Stop ends the ping loop and waits for it to exit.
func (s *Synchronizer) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.stoppedCh
}

// SetBackground switches between normal and background cadence. Leaving
// background triggers a fast-recovery burst before returning to normal.
func (s *Synchronizer) SetBackground(background bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if background {
		s.cadence = CadenceBackground
		return
	}
	if s.cadence == CadenceBackground {
		s.cadence = CadenceFastRecovery
		s.fastLeft = fastRecoveryCount
	}
}

func (s *Synchronizer) loop() {
	defer close(s.stoppedCh)

	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()

	reapTicker := time.NewTicker(pongTimeout)
	defer reapTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-reapTicker.C:
			s.reapExpired()
		case <-timer.C:
			s.sendPing()
			timer.Reset(s.nextInterval())
		}
	}
}

func (s *Synchronizer) nextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.cadence {
	case CadenceBackground:
		return intervalBackground
	case CadenceFastRecovery:
		if s.fastLeft > 0 {
			s.fastLeft--
			if s.fastLeft == 0 {
				s.cadence = CadenceNormal
			}
			return intervalFast
		}
		s.cadence = CadenceNormal
		return intervalNormal
	default:
		return intervalNormal
	}
}

func (s *Synchronizer) sendPing() {
	seq := s.c.NextSeq()
	t0 := s.now()

	s.mu.Lock()
	s.inFlight[seq] = t0
	s.mu.Unlock()

	if err := s.transport.Send(wire.NewPing(seq, t0.UnixMilli())); err != nil {
		log.Warnw("ping send failed", "seq", seq, "err", err)
	}
}

// OnPong consumes a pong reply, completing the round trip and forwarding
// the sample to the clock. It returns false if the seq has no matching
// in-flight ping (already reaped, or a duplicate/unexpected pong).
func (s *Synchronizer) OnPong(p wire.Pong) bool {
	s.mu.Lock()
	t0, ok := s.inFlight[p.Seq]
	if ok {
		delete(s.inFlight, p.Seq)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	t2 := s.now()
	t1 := time.UnixMilli(p.T1ServerMs)
	s.c.OnSample(p.Seq, t0, t1, t2)
	return true
}

func (s *Synchronizer) reapExpired() {
	cutoff := s.now().Add(-pongTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, t0 := range s.inFlight {
		if t0.Before(cutoff) {
			delete(s.inFlight, seq)
		}
	}
}

// InFlightCount reports the number of pings awaiting a pong, for tests
// and diagnostics.
func (s *Synchronizer) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
