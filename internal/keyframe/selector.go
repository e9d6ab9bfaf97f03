package keyframe

import (
	"errors"
	"fmt"

	"github.com/cleoag/ffkeyframes/internal/media"
)

var ErrNoVideoStream = errors.New("keyframe: no video stream")

// Selection is the stream chosen for scanning.
type Selection struct {
	Index    int
	Timebase media.Rational
	Stream   media.Stream
}

// SelectStream picks the video stream with the lowest index, marks it
// keyframes-only and every other stream skip-all. The container's discard
// table is written exactly once per stream.
func SelectStream(c media.Container) (Selection, error) {
	streams := c.Streams()

	chosen := -1
	for i, st := range streams {
		if st.Kind != media.KindVideo {
			continue
		}
		if chosen < 0 || st.Index < streams[chosen].Index {
			chosen = i
		}
	}
	if chosen < 0 {
		return Selection{}, ErrNoVideoStream
	}

	for i, st := range streams {
		policy := media.DiscardAll
		if i == chosen {
			policy = media.DiscardNonKey
		}
		if err := c.SetDiscard(st.Index, policy); err != nil {
			return Selection{}, fmt.Errorf("keyframe: discard stream %d: %w", st.Index, err)
		}
	}

	st := streams[chosen]
	return Selection{Index: st.Index, Timebase: st.Timebase, Stream: st}, nil
}
