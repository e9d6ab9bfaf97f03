// Package ts reads packet timing and random access points from MPEG-TS
// files.
package ts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/asticode/go-astits"
	"github.com/nareix/joy4/codec/h264parser"

	"github.com/cleoag/ffkeyframes/internal/media"
)

const (
	packetSize = 188
	probeLimit = 4096
	tailSize   = 1 << 20
	readBuffer = 64 << 10
	ptsWrap    = 1 << 33
)

// Timebase of every MPEG-TS timestamp.
var Timebase = media.Rational{Num: 1, Den: 90000}

var ErrNoProgram = errors.New("ts: no program map table found")

const (
	streamTypeMPEG4Video astits.StreamType = 0x10
	streamTypeMPEG1Audio astits.StreamType = 0x03
	streamTypeMPEG2Audio astits.StreamType = 0x04
	streamTypeAAC        astits.StreamType = 0x0f
	streamTypeAACLATM    astits.StreamType = 0x11
	streamTypeAC3        astits.StreamType = 0x81
	streamTypeEAC3       astits.StreamType = 0x87
)

type Demuxer struct {
	ctx    context.Context
	r      io.ReadSeeker
	closer io.Closer
	dmx    *astits.Demuxer

	streams []media.Stream
	types   []astits.StreamType
	pids    map[uint16]int
	discard *media.DiscardTable

	// behind is the last timed packet per stream before the read cursor,
	// seen is the highest PTS pulled per stream including discarded ones.
	behind  []*media.Packet
	seen    []int64
	queue   []media.Packet
	ordinal int64

	first, last int64
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
	d := &Demuxer{
		ctx:   context.Background(),
		r:     r,
		pids:  make(map[uint16]int),
		first: media.NoPTS,
		last:  media.NoPTS,
	}
	if err := d.probe(); err != nil {
		return nil, err
	}
	d.discard = media.NewDiscardTable(len(d.streams))
	d.probeTail()
	if err := d.rewind(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) rewind() error {
	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	d.dmx = astits.NewDemuxer(d.ctx, bufio.NewReaderSize(d.r, readBuffer))
	d.queue = nil
	d.ordinal = 0
	d.behind = make([]*media.Packet, len(d.streams))
	d.seen = make([]int64, len(d.streams))
	for i := range d.seen {
		d.seen[i] = media.NoPTS
	}
	return nil
}

// probe reads the head of the file for the first PMT and the first PTS.
func (d *Demuxer) probe() error {
	if err := d.rewind(); err != nil {
		return err
	}
	for i := 0; i < probeLimit; i++ {
		data, err := d.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return fmt.Errorf("ts: probe: %w", err)
		}
		if data.PMT != nil && d.streams == nil {
			d.addStreams(data.PMT)
		}
		if data.PES != nil && d.streams != nil {
			if _, ok := d.pids[data.PID]; ok {
				if pts := pesPTS(data.PES); pts != media.NoPTS {
					d.first = pts
					return nil
				}
			}
		}
	}
	if d.streams == nil {
		return ErrNoProgram
	}
	return nil
}

func (d *Demuxer) addStreams(pmt *astits.PMTData) {
	d.streams = []media.Stream{}
	for i, es := range pmt.ElementaryStreams {
		d.pids[es.ElementaryPID] = i
		d.types = append(d.types, es.StreamType)
		d.streams = append(d.streams, media.Stream{
			Index:    i,
			Kind:     kindOf(es.StreamType),
			Timebase: Timebase,
			Duration: media.NoPTS,
		})
	}
}

// probeTail finds the last PTS in the final megabyte. Failures leave the
// duration unknown.
func (d *Demuxer) probeTail() {
	size, err := d.r.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}
	off := size - tailSize
	if off < 0 {
		off = 0
	}
	off -= off % packetSize
	if _, err = d.r.Seek(off, io.SeekStart); err != nil {
		return
	}

	tail := astits.NewDemuxer(d.ctx, bufio.NewReaderSize(d.r, readBuffer))
	for {
		data, err := tail.NextData()
		if err != nil {
			return
		}
		if data.PES == nil {
			continue
		}
		if _, ok := d.pids[data.PID]; !ok {
			continue
		}
		if pts := pesPTS(data.PES); pts != media.NoPTS && pts > d.last {
			d.last = pts
		}
	}
}

func kindOf(t astits.StreamType) media.Kind {
	switch t {
	case astits.StreamTypeMPEG1Video, astits.StreamTypeMPEG2Video, streamTypeMPEG4Video,
		astits.StreamTypeH264Video, astits.StreamTypeH265Video:
		return media.KindVideo
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio, streamTypeAAC, streamTypeAACLATM, streamTypeAC3, streamTypeEAC3:
		return media.KindAudio
	default:
		return media.KindOther
	}
}

func (d *Demuxer) Streams() []media.Stream { return d.streams }

func (d *Demuxer) SetDiscard(index int, policy media.Discard) error {
	return d.discard.Set(index, policy)
}

// Seek lands on the last kept packet of the stream whose PTS is at or
// before target, or the first one after it when none precedes it. The file
// is read forward from the cursor; a target behind the packet just before
// the cursor restarts from the beginning. Targets past the highest PTS of
// the stream fail once the end of the file is reached.
func (d *Demuxer) Seek(index int, target int64) error {
	d.discard.Lock()
	if index < 0 || index >= len(d.streams) {
		return fmt.Errorf("%w: %d", media.ErrNoStream, index)
	}
	held := d.behind[index]
	if held != nil && target < held.PTS {
		if err := d.rewind(); err != nil {
			return fmt.Errorf("%w: %v", media.ErrSeekFailed, err)
		}
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
			if pkt, err = d.pull(media.ReadFast); err != nil {
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
		if pkt.Stream != index || pkt.PTS == media.NoPTS {
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

// land queues pkt as the next packet to read. A nil pkt leaves the queue
// as is.
func (d *Demuxer) land(index int, pkt *media.Packet) {
	d.behind[index] = pkt
	if pkt != nil {
		d.queue = append([]media.Packet{*pkt}, d.queue...)
	}
}

func (d *Demuxer) ReadPacket(mode media.ReadMode) (media.Packet, error) {
	d.discard.Lock()
	pkt, err := d.next(mode)
	if err == nil && pkt.PTS != media.NoPTS {
		d.behind[pkt.Stream] = &pkt
	}
	return pkt, err
}

func (d *Demuxer) next(mode media.ReadMode) (media.Packet, error) {
	if len(d.queue) > 0 {
		pkt := d.queue[0]
		d.queue = d.queue[1:]
		return pkt, nil
	}
	return d.pull(mode)
}

// pull reads the next kept packet from the file.
func (d *Demuxer) pull(mode media.ReadMode) (media.Packet, error) {
	for {
		data, err := d.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return media.Packet{}, media.ErrEndOfStream
			}
			return media.Packet{}, fmt.Errorf("ts: read: %w", err)
		}
		if data.PES == nil {
			continue
		}
		idx, ok := d.pids[data.PID]
		if !ok || d.discard.Policy(idx) == media.DiscardAll {
			continue
		}
		d.ordinal++

		pkt := media.Packet{
			Stream:   idx,
			PTS:      pesPTS(data.PES),
			DTS:      pesDTS(data.PES),
			KeyFrame: randomAccess(data) || containsIRAP(d.types[idx], data.PES.Data),
			Pos:      d.ordinal,
		}
		if pkt.PTS == media.NoPTS && mode == media.ReadAccurate {
			pkt.PTS = pkt.DTS
		}
		if pkt.PTS != media.NoPTS {
			d.seen[idx] = max(d.seen[idx], pkt.PTS)
		}
		if !d.discard.Keep(idx, pkt.KeyFrame) {
			continue
		}
		return pkt, nil
	}
}

// Duration spans the first and last PTS of the file. PTS is a 33-bit
// counter, so a last PTS below the first one has wrapped once.
func (d *Demuxer) Duration() (int64, media.Rational, bool) {
	if d.first == media.NoPTS || d.last == media.NoPTS {
		return 0, media.Rational{}, false
	}
	last := d.last
	if last < d.first {
		last += ptsWrap
	}
	if last == d.first {
		return 0, media.Rational{}, false
	}
	return last - d.first, Timebase, true
}
func (d *Demuxer) Close() (err error) {
	if d.closer != nil {
		err = d.closer.Close()
		d.closer = nil
	}
	return
}

func pesPTS(pes *astits.PESData) int64 {
	if pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.PTS == nil {
		return media.NoPTS
	}
	return pes.Header.OptionalHeader.PTS.Base
}

func pesDTS(pes *astits.PESData) int64 {
	if pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.DTS == nil {
		return media.NoPTS
	}
	return pes.Header.OptionalHeader.DTS.Base
}

func randomAccess(data *astits.DemuxerData) bool {
	return data.FirstPacket != nil &&
		data.FirstPacket.AdaptationField != nil &&
		data.FirstPacket.AdaptationField.RandomAccessIndicator
}

// containsIRAP looks for an H.264 IDR or H.265 IRAP NAL unit.
func containsIRAP(t astits.StreamType, payload []byte) bool {
	if t != astits.StreamTypeH264Video && t != astits.StreamTypeH265Video {
		return false
	}
	nalus, _ := h264parser.SplitNALUs(payload)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if t == astits.StreamTypeH264Video {
			if nalu[0]&0x1f == 5 {
				return true
			}
			continue
		}
		if typ := (nalu[0] >> 1) & 0x3f; typ >= 16 && typ <= 21 {
			return true
		}
	}
	return false
}
