// Package mediatest provides a scriptable in-memory media.Container.
package mediatest

import (
	"github.com/cleoag/ffkeyframes/internal/media"
)

// SeekMode selects where Seek lands relative to its target.
type SeekMode int

const (
	// SeekBackward lands on the last keyframe at or before the target and
	// fails once the target passes End.
	SeekBackward SeekMode = iota
	// SeekForward lands on the first kept packet at or after the target.
	SeekForward
)

// Container replays Packets in slice order, which stands in for container
// order. It records every call so tests can assert on the access pattern.
type Container struct {
	StreamList []media.Stream
	Packets    []media.Packet
	SeekMode   SeekMode
	// End bounds SeekBackward per stream, in stream ticks. A missing entry
	// means the PTS of the stream's last packet.
	End map[int]int64

	ContainerDuration int64
	ContainerTimebase media.Rational

	// Unseekable makes every Seek fail.
	Unseekable bool
	// IgnoreDiscard delivers packets of every stream, as a container may
	// treat discard policies as advisory.
	IgnoreDiscard bool

	Seeks  []int64
	Modes  []media.ReadMode
	Reads  []media.Packet
	Closed bool

	discard *media.DiscardTable
	cursor  int
}

func (c *Container) table() *media.DiscardTable {
	if c.discard == nil {
		c.discard = media.NewDiscardTable(len(c.StreamList))
	}
	return c.discard
}

func (c *Container) Streams() []media.Stream { return c.StreamList }

func (c *Container) SetDiscard(index int, policy media.Discard) error {
	return c.table().Set(index, policy)
}

// Policy exposes the discard policy applied to a stream.
func (c *Container) Policy(index int) media.Discard { return c.table().Policy(index) }

func (c *Container) Seek(index int, target int64) error {
	c.table().Lock()
	c.Seeks = append(c.Seeks, target)
	if c.Unseekable {
		return media.ErrSeekFailed
	}
	if c.SeekMode == SeekForward {
		for i, pkt := range c.Packets {
			if pkt.Stream == index && pkt.PTS != media.NoPTS && pkt.PTS >= target && c.discard.Keep(index, pkt.KeyFrame) {
				c.cursor = i
				return nil
			}
		}
		return media.ErrSeekFailed
	}

	end, bounded := c.End[index]
	landing := -1
	first := -1
	for i, pkt := range c.Packets {
		if pkt.Stream != index || pkt.PTS == media.NoPTS {
			continue
		}
		if !bounded && pkt.PTS > end {
			end = pkt.PTS
		}
		if !pkt.KeyFrame {
			continue
		}
		if first < 0 {
			first = i
		}
		if pkt.PTS <= target {
			landing = i
		}
	}
	if first < 0 || target > end {
		return media.ErrSeekFailed
	}
	if landing < 0 {
		landing = first
	}
	c.cursor = landing
	return nil
}

func (c *Container) ReadPacket(mode media.ReadMode) (media.Packet, error) {
	c.table().Lock()
	c.Modes = append(c.Modes, mode)
	for c.cursor < len(c.Packets) {
		pkt := c.Packets[c.cursor]
		c.cursor++
		if !c.IgnoreDiscard && !c.discard.Keep(pkt.Stream, pkt.KeyFrame) {
			continue
		}
		c.Reads = append(c.Reads, pkt)
		return pkt, nil
	}
	return media.Packet{}, media.ErrEndOfStream
}

func (c *Container) Duration() (int64, media.Rational, bool) {
	if c.ContainerDuration <= 0 || !c.ContainerTimebase.Valid() {
		return 0, media.Rational{}, false
	}
	return c.ContainerDuration, c.ContainerTimebase, true
}

func (c *Container) Close() error {
	c.Closed = true
	return nil
}

// Video returns a video stream descriptor with the given index and timebase.
func Video(index int, tb media.Rational) media.Stream {
	return media.Stream{Index: index, Kind: media.KindVideo, Timebase: tb, Duration: media.NoPTS}
}

// Audio returns an audio stream descriptor.
func Audio(index int, tb media.Rational) media.Stream {
	return media.Stream{Index: index, Kind: media.KindAudio, Timebase: tb, Duration: media.NoPTS}
}

// Key builds a keyframe packet with PTS == DTS.
func Key(stream int, pts int64) media.Packet {
	return media.Packet{Stream: stream, PTS: pts, DTS: pts, KeyFrame: true}
}

// Delta builds a non-key packet with PTS == DTS.
func Delta(stream int, pts int64) media.Packet {
	return media.Packet{Stream: stream, PTS: pts, DTS: pts}
}
