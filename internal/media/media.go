// Package media describes the packet-level view of a seekable container
// that the keyframe scanner drives: streams, packets, timebases and the
// discard table.
package media

import (
	"errors"
	"math"

	"github.com/nareix/joy4/av"
)

// NoPTS marks a timestamp the container could not provide.
const NoPTS int64 = math.MinInt64

var (
	ErrCannotOpen    = errors.New("media: cannot open container")
	ErrEndOfStream   = errors.New("media: end of stream")
	ErrSeekFailed    = errors.New("media: seek failed")
	ErrDiscardLocked = errors.New("media: discard policy already applied")
	ErrNoStream      = errors.New("media: no such stream")
)

type Kind int

const (
	KindOther Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "other"
	}
}

// KindOf maps a joy4 codec type onto a stream kind.
func KindOf(t av.CodecType) Kind {
	switch {
	case t.IsVideo():
		return KindVideo
	case t.IsAudio():
		return KindAudio
	default:
		return KindOther
	}
}

// Stream is one elementary stream of a container.
type Stream struct {
	Index    int
	Kind     Kind
	Timebase Rational
	// Duration in Timebase ticks, NoPTS when unknown.
	Duration int64
	// Codec is nil when the container does not expose codec parameters.
	Codec av.CodecData
}

// Packet carries only what keyframe indexing needs; payloads are never
// retained past the read.
type Packet struct {
	Stream   int
	PTS      int64
	DTS      int64
	KeyFrame bool
	Pos      int64
}

// ReadMode selects how a container produces packets.
type ReadMode int

const (
	// ReadFast returns raw packets with whatever timestamps the container
	// stores.
	ReadFast ReadMode = iota
	// ReadAccurate returns every packet in container order and fills in
	// missing timestamps where the container can.
	ReadAccurate
)

func (m ReadMode) String() string {
	if m == ReadAccurate {
		return "accurate"
	}
	return "fast"
}

// Container is an opened, seekable media source. Implementations are not
// safe for concurrent use.
type Container interface {
	Streams() []Stream
	// SetDiscard is only honored before the first Seek or ReadPacket.
	SetDiscard(index int, policy Discard) error
	// Seek positions the read cursor near target, expressed in ticks of the
	// stream's timebase. The landing position is implementation defined.
	Seek(index int, target int64) error
	// ReadPacket returns ErrEndOfStream once the container is exhausted.
	ReadPacket(mode ReadMode) (Packet, error)
	// Duration is the container-level duration in its own timebase.
	Duration() (ticks int64, tb Rational, ok bool)
	Close() error
}
