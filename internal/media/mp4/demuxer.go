// Package mp4 indexes MP4/MOV files straight from their sample tables.
package mp4

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4/mp4io"

	"github.com/cleoag/ffkeyframes/internal/media"
)

var (
	ErrNoMovie    = errors.New("mp4: 'moov' atom not found")
	ErrFragmented = errors.New("mp4: fragmented files are not supported")
)

type Demuxer struct {
	r         io.ReadSeeker
	closer    io.Closer
	streams   []*Stream
	movieAtom *mp4io.Movie
	discard   *media.DiscardTable
}

type Stream struct {
	av.CodecData

	trackAtom *mp4io.Track
	idx       int
	kind      media.Kind
	timeScale int64
	duration  int64

	samples []sample
	keys    []int
	end     int64
	cursor  int
}

func Open(path string) (*Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d, err := NewDemuxer(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.closer = f
	return d, nil
}

func NewDemuxer(r io.ReadSeeker) (*Demuxer, error) {
	self := &Demuxer{r: r}
	if err := self.probe(); err != nil {
		return nil, err
	}
	self.discard = media.NewDiscardTable(len(self.streams))
	return self, nil
}

func (self *Demuxer) probe() (err error) {
	if self.movieAtom != nil {
		return
	}
	if _, err = self.r.Seek(0, io.SeekStart); err != nil {
		return
	}

	moov := &mp4io.Movie{}
	var found bool
	if found, err = readAtom(self.r, mp4io.MOOV, moov); err != nil {
		return
	}
	if !found {
		err = ErrNoMovie
		return
	}

	self.streams = []*Stream{}
	total := 0
	for i, atrack := range moov.Tracks {
		stream := newStream(i, atrack)
		total += len(stream.samples)
		self.streams = append(self.streams, stream)
	}

	if total == 0 {
		var frag bool
		if frag, err = readAtom(self.r, mp4io.MOOF, nil); err != nil {
			return
		}
		if frag {
			err = ErrFragmented
			return
		}
	}

	self.movieAtom = moov
	return
}

func newStream(idx int, atrack *mp4io.Track) *Stream {
	stream := &Stream{
		trackAtom: atrack,
		idx:       idx,
		duration:  media.NoPTS,
	}
	if atrack.Media == nil {
		return stream
	}
	if hdr := atrack.Media.Header; hdr != nil {
		stream.timeScale = int64(hdr.TimeScale)
		if hdr.Duration > 0 {
			stream.duration = int64(hdr.Duration)
		}
	}

	if avc1 := atrack.GetAVC1Conf(); avc1 != nil {
		if codec, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(avc1.Data); err == nil {
			stream.CodecData = codec
		}
	} else if esds := atrack.GetElemStreamDesc(); esds != nil {
		if codec, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(esds.DecConfig); err == nil {
			stream.CodecData = codec
		}
	}
	stream.kind = trackKind(atrack, stream.CodecData)

	if info := atrack.Media.Info; info != nil && info.Sample != nil {
		stream.samples, stream.end = buildIndex(info.Sample)
		for i, s := range stream.samples {
			if s.key {
				stream.keys = append(stream.keys, i)
			}
		}
	}
	return stream
}

func trackKind(atrack *mp4io.Track, codec av.CodecData) media.Kind {
	if codec != nil {
		return media.KindOf(codec.Type())
	}
	if info := atrack.Media.Info; info != nil {
		switch {
		case info.Video != nil:
			return media.KindVideo
		case info.Sound != nil:
			return media.KindAudio
		}
	}
	if h := atrack.Media.Handler; h != nil {
		switch string(h.SubType[:]) {
		case "vide":
			return media.KindVideo
		case "soun":
			return media.KindAudio
		}
	}
	return media.KindOther
}

func (self *Demuxer) Streams() (streams []media.Stream) {
	for _, stream := range self.streams {
		streams = append(streams, media.Stream{
			Index:    stream.idx,
			Kind:     stream.kind,
			Timebase: media.Rational{Num: 1, Den: stream.timeScale},
			Duration: stream.duration,
			Codec:    stream.CodecData,
		})
	}
	return
}

func (self *Demuxer) SetDiscard(index int, policy media.Discard) error {
	return self.discard.Set(index, policy)
}

func (self *Demuxer) stream(index int) (*Stream, error) {
	if index < 0 || index >= len(self.streams) {
		return nil, fmt.Errorf("%w: %d", media.ErrNoStream, index)
	}
	return self.streams[index], nil
}

// Seek lands on the last keyframe whose PTS is at or before target, or the
// first keyframe when target precedes it. Targets at or past the end of the
// track fail. The other tracks resume from the landing file position.
func (self *Demuxer) Seek(index int, target int64) (err error) {
	self.discard.Lock()
	var stream *Stream
	if stream, err = self.stream(index); err != nil {
		return
	}
	if len(stream.keys) == 0 || target >= stream.end {
		return media.ErrSeekFailed
	}

	k := sort.Search(len(stream.keys), func(i int) bool {
		return stream.samples[stream.keys[i]].pts > target
	}) - 1
	if k < 0 {
		k = 0
	}
	stream.cursor = stream.keys[k]

	pos := stream.samples[stream.cursor].pos
	for _, other := range self.streams {
		if other == stream {
			continue
		}
		other.cursor = sort.Search(len(other.samples), func(i int) bool {
			return other.samples[i].pos >= pos
		})
	}
	return
}

// ReadPacket returns samples in file order across the tracks that are not
// discarded. Timestamps always come from the sample tables, so both read
// modes behave the same.
func (self *Demuxer) ReadPacket(mode media.ReadMode) (pkt media.Packet, err error) {
	self.discard.Lock()

	var next *Stream
	for _, stream := range self.streams {
		if self.discard.Policy(stream.idx) == media.DiscardAll {
			continue
		}
		for stream.cursor < len(stream.samples) && !self.discard.Keep(stream.idx, stream.samples[stream.cursor].key) {
			stream.cursor++
		}
		if stream.cursor >= len(stream.samples) {
			continue
		}
		if next == nil || stream.samples[stream.cursor].pos < next.samples[next.cursor].pos {
			next = stream
		}
	}
	if next == nil {
		err = media.ErrEndOfStream
		return
	}

	s := next.samples[next.cursor]
	next.cursor++
	pkt = media.Packet{
		Stream:   next.idx,
		PTS:      s.pts,
		DTS:      s.dts,
		KeyFrame: s.key,
		Pos:      s.pos,
	}
	return
}

func (self *Demuxer) Duration() (ticks int64, tb media.Rational, ok bool) {
	hdr := self.movieAtom.Header
	if hdr == nil || hdr.TimeScale <= 0 || hdr.Duration <= 0 {
		return
	}
	return int64(hdr.Duration), media.Rational{Num: 1, Den: int64(hdr.TimeScale)}, true
}

func (self *Demuxer) Close() (err error) {
	if self.closer != nil {
		err = self.closer.Close()
		self.closer = nil
	}
	return
}
