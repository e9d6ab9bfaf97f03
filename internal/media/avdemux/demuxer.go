// Package avdemux adapts any demuxer registered with joy4 (FLV, RTMP dumps,
// and the like) to media.Container. joy4 demuxers only read forward, so
// seeks scan ahead and rewinds reopen the file.
package avdemux

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/av/avutil"
	"github.com/nareix/joy4/format"

	"github.com/cleoag/ffkeyframes/internal/media"
)

func init() {
	format.RegisterAll()
}

// Timebase of joy4 packet times, which are time.Duration values.
var Timebase = media.Rational{Num: 1, Den: int64(time.Second)}

// Opener opens a joy4 demuxer for a path.
type Opener func(path string) (av.DemuxCloser, error)

type Demuxer struct {
	path string
	open Opener
	file av.DemuxCloser

	streams []media.Stream
	discard *media.DiscardTable
	behind  []*media.Packet
	seen    []int64
	queue   []media.Packet
	ordinal int64

	closeOnce sync.Once
	closeErr  error
}

func Open(path string) (*Demuxer, error) {
	return OpenWith(path, avutil.Open)
}

func OpenWith(path string, open Opener) (*Demuxer, error) {
	d := &Demuxer{path: path, open: open}
	if err := d.reopen(); err != nil {
		return nil, err
	}

	codecs, err := d.file.Streams()
	if err != nil {
		d.file.Close()
		return nil, fmt.Errorf("avdemux: streams: %w", err)
	}
	for i, codec := range codecs {
		d.streams = append(d.streams, media.Stream{
			Index:    i,
			Kind:     media.KindOf(codec.Type()),
			Timebase: Timebase,
			Duration: media.NoPTS,
			Codec:    codec,
		})
	}
	d.discard = media.NewDiscardTable(len(d.streams))
	d.resetCursor()
	return d, nil
}

func (d *Demuxer) reopen() error {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	file, err := d.open(d.path)
	if err != nil {
		return err
	}
	d.file = file
	return nil
}

func (d *Demuxer) resetCursor() {
	d.queue = nil
	d.ordinal = 0
	d.behind = make([]*media.Packet, len(d.streams))
	d.seen = make([]int64, len(d.streams))
	for i := range d.seen {
		d.seen[i] = media.NoPTS
	}
}

func (d *Demuxer) Streams() []media.Stream { return d.streams }

func (d *Demuxer) SetDiscard(index int, policy media.Discard) error {
	return d.discard.Set(index, policy)
}

// Seek reads ahead to the last kept packet of the stream at or before
// target, or the first one after it when none precedes it. A target behind
// the packet just before the cursor reopens the file first.
func (d *Demuxer) Seek(index int, target int64) error {
	d.discard.Lock()
	if index < 0 || index >= len(d.streams) {
		return fmt.Errorf("%w: %d", media.ErrNoStream, index)
	}
	held := d.behind[index]
	if held != nil && target < held.PTS {
		if err := d.reopen(); err != nil {
			return fmt.Errorf("%w: %v", media.ErrSeekFailed, err)
		}
		d.resetCursor()
		held = nil
	}

	queued := d.queue
	d.queue = nil
	for {
		var pkt media.Packet
		if len(queued) > 0 {
			pkt, queued = queued[0], queued[1:]
		} else {
			var err error
			if pkt, err = d.pull(); err != nil {
				if !errors.Is(err, media.ErrEndOfStream) {
					return fmt.Errorf("%w: %v", media.ErrSeekFailed, err)
				}
				if held == nil || target > d.seen[index] {
					d.behind[index] = held
					return media.ErrSeekFailed
				}
				d.land(index, held)
				return nil
			}
		}
		if pkt.Stream != index {
			continue
		}
		if pkt.PTS <= target {
			held = &pkt
			continue
		}
		d.queue = append([]media.Packet{pkt}, queued...)
		d.land(index, held)
		return nil
	}
}

func (d *Demuxer) land(index int, pkt *media.Packet) {
	d.behind[index] = pkt
	if pkt != nil {
		d.queue = append([]media.Packet{*pkt}, d.queue...)
	}
}

// ReadPacket returns packets in file order. joy4 always stamps packets, so
// both read modes behave the same.
func (d *Demuxer) ReadPacket(mode media.ReadMode) (pkt media.Packet, err error) {
	d.discard.Lock()
	if len(d.queue) > 0 {
		pkt, d.queue = d.queue[0], d.queue[1:]
	} else if pkt, err = d.pull(); err != nil {
		return
	}
	d.behind[pkt.Stream] = &pkt
	return
}

func (d *Demuxer) pull() (media.Packet, error) {
	for {
		p, err := d.file.ReadPacket()
		if err != nil {
			if err == io.EOF {
				return media.Packet{}, media.ErrEndOfStream
			}
			return media.Packet{}, fmt.Errorf("avdemux: read: %w", err)
		}
		idx := int(p.Idx)
		if idx < 0 || idx >= len(d.streams) {
			continue
		}
		d.ordinal++

		pts := int64(p.Time + p.CompositionTime)
		d.seen[idx] = max(d.seen[idx], pts)
		if !d.discard.Keep(idx, p.IsKeyFrame) {
			continue
		}
		return media.Packet{
			Stream:   idx,
			PTS:      pts,
			DTS:      int64(p.Time),
			KeyFrame: p.IsKeyFrame,
			Pos:      d.ordinal,
		}, nil
	}
}

// Duration is not exposed by joy4 demuxers.
func (d *Demuxer) Duration() (int64, media.Rational, bool) {
	return 0, media.Rational{}, false
}

// Close may be called from another goroutine to unblock a pending read.
func (d *Demuxer) Close() error {
	d.closeOnce.Do(func() {
		if d.file != nil {
			d.closeErr = d.file.Close()
		}
	})
	return d.closeErr
}
