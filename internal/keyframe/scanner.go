// Package keyframe builds a sparse, ascending index of keyframe timestamps
// from a seekable container using only seek and packet reads.
package keyframe

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/cleoag/ffkeyframes/internal/media"
)

// OutputTimebase is the timebase of every timestamp the scanner reports.
var OutputTimebase = media.Rational{Num: 1, Den: 10_000_000}

var ErrInvalidInterval = errors.New("keyframe: interval must be at least one stream tick")

// unset sorts below every valid timestamp.
const unset int64 = math.MinInt64

// Result summarises a finished scan.
type Result struct {
	// Count is the number of timestamps emitted.
	Count int
	// Untimed counts keyframes seen without any usable timestamp.
	Untimed int
	// Duration is in OutputTimebase and only meaningful when DurationKnown.
	Duration      int64
	DurationKnown bool
	Degraded      bool
	Seeks         int
	Packets       int
	Rejected      int
	// Stop is what ended the loop: media.ErrSeekFailed,
	// media.ErrEndOfStream, a read error, or the context error.
	Stop error
}

// Success reports whether the scan observed at least one keyframe.
func (r Result) Success() bool { return r.Count+r.Untimed > 0 }

// Scanner walks a container by seeking forward in interval steps and emits
// strictly increasing keyframe timestamps. It is single use.
//
//	sc, err := keyframe.NewScanner(c, sel, 10, log)
//	for sc.Next(ctx) {
//		fmt.Println(sc.Timestamp())
//	}
//	res := sc.Result()
type Scanner struct {
	c        media.Container
	sel      Selection
	interval int64
	log      *zap.Logger

	mode    media.ReadMode
	target  int64
	last    int64
	started bool
	done    bool
	current int64
	res     Result
}

// NewScanner validates the interval against the selected stream's timebase
// and resolves the total duration. No packet is read until Next.
func NewScanner(c media.Container, sel Selection, intervalSeconds float64, log *zap.Logger) (*Scanner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !sel.Timebase.Valid() {
		return nil, fmt.Errorf("keyframe: stream %d has invalid timebase %s", sel.Index, sel.Timebase)
	}
	if math.IsNaN(intervalSeconds) || math.IsInf(intervalSeconds, 0) || intervalSeconds <= 0 {
		return nil, fmt.Errorf("%w: %v seconds", ErrInvalidInterval, intervalSeconds)
	}
	scaled := media.SecondsToTicks(intervalSeconds, sel.Timebase)
	if scaled <= 0 {
		return nil, fmt.Errorf("%w: %v seconds at timebase %s", ErrInvalidInterval, intervalSeconds, sel.Timebase)
	}

	s := &Scanner{
		c:        c,
		sel:      sel,
		interval: scaled,
		log:      log.With(zap.Int("stream", sel.Index), zap.Stringer("timebase", sel.Timebase)),
		mode:     media.ReadFast,
		last:     unset,
	}
	s.res.Duration, s.res.DurationKnown = duration(c, sel)
	s.log.Debug("scan prepared",
		zap.Int64("interval_ticks", scaled),
		zap.Int64("duration", s.res.Duration),
		zap.Bool("duration_known", s.res.DurationKnown),
	)
	return s, nil
}

func duration(c media.Container, sel Selection) (int64, bool) {
	if d := sel.Stream.Duration; d != media.NoPTS && d > 0 {
		return media.Rescale(d, sel.Timebase, OutputTimebase), true
	}
	if d, tb, ok := c.Duration(); ok && tb.Valid() {
		return media.Rescale(d, tb, OutputTimebase), true
	}
	return 0, false
}

// Duration returns the total duration in OutputTimebase.
func (s *Scanner) Duration() (int64, bool) { return s.res.Duration, s.res.DurationKnown }

// Interval returns the seek step in stream ticks.
func (s *Scanner) Interval() int64 { return s.interval }

// Next advances to the next accepted keyframe. It returns false once the
// container is exhausted, a seek or read fails, or ctx is done.
func (s *Scanner) Next(ctx context.Context) bool {
	for !s.done {
		if err := ctx.Err(); err != nil {
			s.stop(err)
			break
		}
		pkt, err := s.read()
		if err != nil {
			s.stop(err)
			break
		}
		if s.inspect(pkt) {
			return true
		}
	}
	return false
}

// Timestamp is the keyframe accepted by the last successful Next, in
// OutputTimebase.
func (s *Scanner) Timestamp() int64 { return s.current }

func (s *Scanner) Result() Result { return s.res }

// Err returns the context error when the scan was cut short. Seek and read
// failures end the scan normally and are reported through Result.Stop.
func (s *Scanner) Err() error {
	if errors.Is(s.res.Stop, context.Canceled) || errors.Is(s.res.Stop, context.DeadlineExceeded) {
		return s.res.Stop
	}
	return nil
}

func (s *Scanner) stop(err error) {
	s.done = true
	s.res.Stop = err
	s.log.Debug("scan stopped",
		zap.NamedError("cause", err),
		zap.Int("keyframes", s.res.Count),
		zap.Int("seeks", s.res.Seeks),
		zap.Int("packets", s.res.Packets),
	)
}

// read positions the container and returns the next packet of the chosen
// stream. The first read starts at the container head; later fast-mode
// reads seek to the current target first.
func (s *Scanner) read() (media.Packet, error) {
	if s.started && s.mode == media.ReadFast {
		s.res.Seeks++
		if err := s.c.Seek(s.sel.Index, s.target); err != nil {
			return media.Packet{}, err
		}
	}
	s.started = true

	for {
		pkt, err := s.c.ReadPacket(s.mode)
		if err != nil {
			return media.Packet{}, err
		}
		if pkt.Stream == s.sel.Index {
			return pkt, nil
		}
	}
}

func (s *Scanner) inspect(pkt media.Packet) bool {
	s.res.Packets++

	if pkt.PTS == media.NoPTS {
		if s.mode == media.ReadFast {
			s.mode = media.ReadAccurate
			s.res.Degraded = true
			s.log.Warn("packet without timestamp, switching to sequential reads",
				zap.Int64("target", s.target),
				zap.Int64("pos", pkt.Pos),
			)
		}
		if pkt.KeyFrame {
			s.res.Untimed++
		}
		return false
	}

	// sequential reads stand in for the seek
	if s.mode == media.ReadAccurate && pkt.PTS < s.target {
		return false
	}

	ts := media.Rescale(pkt.PTS, s.sel.Timebase, OutputTimebase)
	if pkt.KeyFrame && ts > s.last {
		s.last = ts
		s.current = ts
		s.res.Count++
		s.target = max(s.target, advance(pkt.PTS, 1))
		return true
	}

	s.res.Rejected++
	s.target = advance(max(s.target, pkt.PTS), s.interval)
	s.log.Debug("packet rejected",
		zap.Int64("pts", pkt.PTS),
		zap.Bool("key", pkt.KeyFrame),
		zap.Int64("next_target", s.target),
	)
	return false
}

// advance returns from+step, saturating at math.MaxInt64.
func advance(from, step int64) int64 {
	if from > math.MaxInt64-step {
		return math.MaxInt64
	}
	return from + step
}
