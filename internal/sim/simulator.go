package sim

import (
	"context"
	"sort"
	"sync"
	"time"

	"tripcast/internal/geo"
)

type Config struct {
	SpeedMps         float64
	CheckpointRadius float64 // meters
	ArrivalThreshold float64 // segment progress that counts as arrival
	Loop             bool
	Now              func() time.Time
}

func (c *Config) defaults() {
	if c.CheckpointRadius <= 0 {
		c.CheckpointRadius = DefaultCheckpointRadius
	}
	if c.ArrivalThreshold <= 0 || c.ArrivalThreshold > 1 {
		c.ArrivalThreshold = DefaultArrivalThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type PositionEvent struct {
	Point    geo.Point
	Bearing  float64
	Segment  int
	Progress float64 // within the segment, 0..1
	Fraction float64 // of the whole run, 0..1
	Elapsed  time.Duration
}

type Handlers struct {
	OnPosition func(PositionEvent)
	// OnArrival is called once the simulator has paused at a checkpoint.
	// Stepping stays paused until resume is called.
	OnArrival  func(waypoint int, resume func())
	OnComplete func()
	OnTick     func(d time.Duration)
}

// Simulator advances a position along a path at constant speed. Position is
// always recomputed from elapsed wall-clock time, so irregular ticks do not
// accumulate drift.
type Simulator struct {
	cfg       Config
	h         Handlers
	waypoints []geo.Point
	segs      []Segment
	ends      []time.Duration // cumulative end offset of each segment
	total     time.Duration
	last      geo.Point

	mu         sync.Mutex
	active     map[int]bool // waypoints still armed as checkpoints
	started    bool
	start      time.Time
	paused     bool
	pausedAt   time.Time
	arrivalSeq uint64
	completed  bool
	halted     bool
	laps       int

	wake chan struct{}
}

func New(waypoints, path []geo.Point, cfg Config, h Handlers) (*Simulator, error) {
	cfg.defaults()
	segs, err := Build(waypoints, path, cfg.SpeedMps, cfg.CheckpointRadius)
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		cfg:       cfg,
		h:         h,
		waypoints: append([]geo.Point(nil), waypoints...),
		segs:      segs,
		ends:      make([]time.Duration, len(segs)),
		wake:      make(chan struct{}, 1),
	}
	var acc time.Duration
	for i, seg := range segs {
		acc += seg.Duration
		s.ends[i] = acc
	}
	s.total = acc
	if len(segs) > 0 {
		s.last = segs[len(segs)-1].To
	} else {
		s.last = waypoints[len(waypoints)-1]
	}
	s.rearm()
	return s, nil
}

func (s *Simulator) rearm() {
	s.active = make(map[int]bool)
	for _, seg := range s.segs {
		for _, wp := range seg.Checkpoints {
			s.active[wp] = true
		}
	}
}

func (s *Simulator) Segments() []Segment { return s.segs }

func (s *Simulator) TotalDuration() time.Duration { return s.total }

// Laps counts completed runs in loop mode.
func (s *Simulator) Laps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laps
}

// Start begins a run at now. It is a no-op once started.
func (s *Simulator) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.start = now
}

func (s *Simulator) segStart(i int) time.Duration { return s.ends[i] - s.segs[i].Duration }

func (s *Simulator) firstActive(seg Segment) int {
	for _, wp := range seg.Checkpoints {
		if s.active[wp] {
			return wp
		}
	}
	return -1
}

// positionAt interpolates the position elapsed into the run.
func (s *Simulator) positionAt(elapsed time.Duration) PositionEvent {
	if len(s.segs) == 0 {
		return PositionEvent{Point: s.last, Progress: 1, Fraction: 1, Elapsed: elapsed}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	i := sort.Search(len(s.ends), func(i int) bool { return s.ends[i] >= elapsed })
	if i >= len(s.segs) {
		i = len(s.segs) - 1
	}
	seg := s.segs[i]
	progress := float64(elapsed-s.segStart(i)) / float64(seg.Duration)
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	fraction := 1.0
	if s.total > 0 {
		fraction = float64(elapsed) / float64(s.total)
		if fraction > 1 {
			fraction = 1
		}
	}
	return PositionEvent{
		Point:    geo.Lerp(seg.From, seg.To, progress),
		Bearing:  geo.Bearing(seg.From, seg.To),
		Segment:  i,
		Progress: progress,
		Fraction: fraction,
		Elapsed:  elapsed,
	}
}

// Step advances the simulation to now and fires the handlers outside the lock.
func (s *Simulator) Step(now time.Time) {
	s.mu.Lock()
	if !s.started || s.paused || s.completed || s.halted {
		s.mu.Unlock()
		return
	}
	elapsed := now.Sub(s.start)
	if elapsed < 0 {
		elapsed = 0
	}

	// A pending checkpoint whose arrival instant has passed pauses the run.
	// A coarse tick that overshot it is rewound to the arrival instant.
	for k, seg := range s.segs {
		begin := s.segStart(k)
		if begin > elapsed {
			break
		}
		wp := s.firstActive(seg)
		if wp < 0 {
			continue
		}
		trigger := begin + time.Duration(float64(seg.Duration)*s.cfg.ArrivalThreshold)
		if elapsed < trigger {
			continue
		}
		if elapsed > trigger {
			s.start = now.Add(-trigger)
			elapsed = trigger
		}
		delete(s.active, wp)
		s.paused = true
		s.pausedAt = now
		s.arrivalSeq++
		seq := s.arrivalSeq
		ev := s.positionAt(elapsed)
		s.mu.Unlock()

		s.emitPosition(ev)
		if s.h.OnArrival != nil {
			s.h.OnArrival(wp, func() { s.resumeArrival(seq) })
		}
		return
	}

	if elapsed >= s.total {
		ev := s.positionAt(s.total)
		s.completed = true
		if s.cfg.Loop {
			s.completed = false
			s.start = now
			s.laps++
			s.rearm()
		}
		s.mu.Unlock()

		s.emitPosition(ev)
		if s.h.OnComplete != nil {
			s.h.OnComplete()
		}
		return
	}

	ev := s.positionAt(elapsed)
	s.mu.Unlock()
	s.emitPosition(ev)
}

func (s *Simulator) emitPosition(ev PositionEvent) {
	if s.h.OnPosition != nil {
		s.h.OnPosition(ev)
	}
}

// Pause freezes the run at now.
func (s *Simulator) Pause(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.paused || s.completed || s.halted {
		return
	}
	s.paused = true
	s.pausedAt = now
}

// Resume continues a paused run. The start is shifted by the pause length so
// the position does not jump.
func (s *Simulator) Resume(now time.Time) bool {
	s.mu.Lock()
	if !s.paused || s.halted {
		s.mu.Unlock()
		return false
	}
	s.resumeLocked(now)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Simulator) resumeLocked(now time.Time) {
	if now.After(s.pausedAt) {
		s.start = s.start.Add(now.Sub(s.pausedAt))
	}
	s.paused = false
}

// resumeArrival resumes only the pause that produced seq; a stale resume
// handle is ignored.
func (s *Simulator) resumeArrival(seq uint64) {
	s.mu.Lock()
	if !s.paused || s.halted || s.arrivalSeq != seq {
		s.mu.Unlock()
		return
	}
	s.resumeLocked(s.cfg.Now())
	s.mu.Unlock()
	s.signal()
}

// Halt stops the simulator for good. Further steps are no-ops.
func (s *Simulator) Halt() {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()
	s.signal()
}

func (s *Simulator) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Position returns the interpolated position at now without stepping.
func (s *Simulator) Position(now time.Time) PositionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return s.positionAt(0)
	}
	at := now
	if s.paused {
		at = s.pausedAt
	}
	elapsed := at.Sub(s.start)
	if elapsed > s.total {
		elapsed = s.total
	}
	return s.positionAt(elapsed)
}

func (s *Simulator) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Simulator) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted || s.completed
}

// Run is the cooperative step loop. A single timer drives it: while paused
// no tick is scheduled, and a resume re-arms the timer through the wake
// channel, so two steps never run at once.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	s.Start(s.cfg.Now())

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if s.finished() {
				return nil
			}
			timer.Reset(0)
			continue
		case <-timer.C:
		}

		tickStart := time.Now()
		s.Step(s.cfg.Now())
		if s.h.OnTick != nil {
			s.h.OnTick(time.Since(tickStart))
		}
		if s.finished() {
			return nil
		}
		if s.Paused() {
			continue
		}
		timer.Reset(interval)
	}
}
