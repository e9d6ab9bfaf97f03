package ts

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoag/ffkeyframes/internal/media"
)

const (
	videoPID = 0x100
	audioPID = 0x101
)

var (
	idr    = []byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00}
	nonIDR = []byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 0, 1, 0x41, 0x9a, 0x02, 0x00}
)

type frame struct {
	pid  uint16
	pts  int64
	data []byte
	rai  bool
}

func writeTS(t *testing.T, frames []frame) string {
	t.Helper()
	var buf bytes.Buffer
	mx := astits.NewMuxer(context.Background(), &buf)
	require.NoError(t, mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	}))
	require.NoError(t, mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: audioPID,
		StreamType:    streamTypeAAC,
	}))
	mx.SetPCRPID(audioPID)

	for _, f := range frames {
		oh := &astits.PESOptionalHeader{MarkerBits: 2}
		if f.pts >= 0 {
			oh.PTSDTSIndicator = astits.PTSDTSIndicatorOnlyPTS
			oh.PTS = &astits.ClockReference{Base: f.pts}
		}
		streamID := uint8(0xe0)
		if f.pid == audioPID {
			streamID = 0xc0
		}
		d := &astits.MuxerData{
			PID: f.pid,
			PES: &astits.PESData{
				Header: &astits.PESHeader{OptionalHeader: oh, StreamID: streamID},
				Data:   f.data,
			},
		}
		if f.rai {
			d.AdaptationField = &astits.PacketAdaptationField{RandomAccessIndicator: true}
		}
		_, err := mx.WriteData(d)
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "stream.ts")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// gop writes one IDR every second and a P frame half way, plus audio.
func gop(seconds int) []frame {
	var frames []frame
	for s := 0; s < seconds; s++ {
		base := int64(s) * 90000
		frames = append(frames,
			frame{pid: videoPID, pts: base, data: idr},
			frame{pid: audioPID, pts: base, data: []byte{0xff, 0xf1, 0x50, 0x80}},
			frame{pid: videoPID, pts: base + 45000, data: nonIDR},
		)
	}
	return frames
}

func open(t *testing.T, path string) *Demuxer {
	t.Helper()
	d, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func readAll(t *testing.T, d *Demuxer, mode media.ReadMode) []media.Packet {
	t.Helper()
	var pkts []media.Packet
	for {
		pkt, err := d.ReadPacket(mode)
		if err != nil {
			require.ErrorIs(t, err, media.ErrEndOfStream)
			return pkts
		}
		pkts = append(pkts, pkt)
	}
}

func TestOpen_Streams(t *testing.T) {
	d := open(t, writeTS(t, gop(3)))

	streams := d.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, media.KindVideo, streams[0].Kind)
	assert.Equal(t, media.KindAudio, streams[1].Kind)
	assert.Equal(t, Timebase, streams[0].Timebase)
	assert.Equal(t, media.NoPTS, streams[0].Duration)

	ticks, tb, ok := d.Duration()
	require.True(t, ok)
	assert.Equal(t, int64(2*90000+45000), ticks)
	assert.Equal(t, Timebase, tb)
}

func TestReadPacket_KeyframesOnly(t *testing.T) {
	d := open(t, writeTS(t, gop(3)))
	require.NoError(t, d.SetDiscard(0, media.DiscardNonKey))
	require.NoError(t, d.SetDiscard(1, media.DiscardAll))

	pkts := readAll(t, d, media.ReadFast)

	require.Len(t, pkts, 3)
	for i, pkt := range pkts {
		assert.Equal(t, 0, pkt.Stream)
		assert.True(t, pkt.KeyFrame)
		assert.Equal(t, int64(i)*90000, pkt.PTS)
	}
}

func TestReadPacket_RandomAccessIndicator(t *testing.T) {
	d := open(t, writeTS(t, []frame{
		{pid: videoPID, pts: 0, data: nonIDR, rai: true},
		{pid: videoPID, pts: 3000, data: nonIDR},
	}))
	require.NoError(t, d.SetDiscard(1, media.DiscardAll))

	pkts := readAll(t, d, media.ReadFast)

	require.Len(t, pkts, 2)
	assert.True(t, pkts[0].KeyFrame)
	assert.False(t, pkts[1].KeyFrame)
}

func TestReadPacket_MissingPTS(t *testing.T) {
	d := open(t, writeTS(t, []frame{
		{pid: videoPID, pts: -1, data: idr},
		{pid: videoPID, pts: -1, data: idr},
	}))
	require.NoError(t, d.SetDiscard(1, media.DiscardAll))

	pkts := readAll(t, d, media.ReadAccurate)

	require.Len(t, pkts, 2)
	for _, pkt := range pkts {
		assert.Equal(t, media.NoPTS, pkt.PTS)
		assert.True(t, pkt.KeyFrame)
	}
	_, _, ok := d.Duration()
	assert.False(t, ok)
}

func TestSeek(t *testing.T) {
	d := open(t, writeTS(t, gop(4)))
	require.NoError(t, d.SetDiscard(0, media.DiscardNonKey))
	require.NoError(t, d.SetDiscard(1, media.DiscardAll))

	read := func() int64 {
		t.Helper()
		pkt, err := d.ReadPacket(media.ReadFast)
		require.NoError(t, err)
		return pkt.PTS
	}

	// lands on the keyframe before the target, the one after stays queued
	require.NoError(t, d.Seek(0, 135000))
	assert.Equal(t, int64(90000), read())
	assert.Equal(t, int64(180000), read())

	// behind the cursor: restart from the head
	require.NoError(t, d.Seek(0, 0))
	assert.Equal(t, int64(0), read())

	// a repeated seek to the same spot needs no rewind
	require.NoError(t, d.Seek(0, 1))
	assert.Equal(t, int64(0), read())
	require.NoError(t, d.Seek(0, 1))
	assert.Equal(t, int64(0), read())
	assert.Equal(t, int64(90000), read())

	// past the last keyframe but inside the stream
	require.NoError(t, d.Seek(0, 300000))
	assert.Equal(t, int64(270000), read())

	require.ErrorIs(t, d.Seek(0, 315001), media.ErrSeekFailed)
	require.ErrorIs(t, d.Seek(9, 0), media.ErrNoStream)
}

func TestSeek_BeforeFirstKeyframe(t *testing.T) {
	d := open(t, writeTS(t, []frame{
		{pid: videoPID, pts: 9000, data: nonIDR},
		{pid: videoPID, pts: 18000, data: idr},
		{pid: videoPID, pts: 27000, data: nonIDR},
	}))
	require.NoError(t, d.SetDiscard(0, media.DiscardNonKey))
	require.NoError(t, d.SetDiscard(1, media.DiscardAll))

	require.NoError(t, d.Seek(0, 0))
	pkt, err := d.ReadPacket(media.ReadFast)
	require.NoError(t, err)
	assert.Equal(t, int64(18000), pkt.PTS)
}

func TestDuration_Wrap(t *testing.T) {
	d := &Demuxer{first: ptsWrap - 90000, last: 45000}

	ticks, tb, ok := d.Duration()
	require.True(t, ok)
	assert.Equal(t, int64(135000), ticks)
	assert.Equal(t, Timebase, tb)

	d = &Demuxer{first: 90000, last: 90000}
	_, _, ok = d.Duration()
	assert.False(t, ok)
}

func TestContainsIRAP(t *testing.T) {
	assert.True(t, containsIRAP(astits.StreamTypeH264Video, idr))
	assert.False(t, containsIRAP(astits.StreamTypeH264Video, nonIDR))
	assert.False(t, containsIRAP(astits.StreamTypeMPEG2Video, idr))

	// H.265 IDR_W_RADL, nal_unit_type 19
	hevc := []byte{0, 0, 0, 1, 19 << 1, 0x01, 0xaf}
	assert.True(t, containsIRAP(astits.StreamTypeH265Video, hevc))
}
