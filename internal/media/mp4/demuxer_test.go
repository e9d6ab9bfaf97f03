package mp4

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nareix/joy4/format/mp4/mp4io"
	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoag/ffkeyframes/internal/media"
)

var ftyp = []byte{0, 0, 0, 16, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 2, 0}

// videoTrack has six 0.5s samples at 90kHz with sync samples 1, 3 and 5,
// one sample per chunk starting at base and spaced by 100 bytes.
func videoTrack(base uint32) *mp4io.Track {
	return &mp4io.Track{
		Media: &mp4io.Media{
			Header:  &mp4io.MediaHeader{TimeScale: 90000, Duration: 270000},
			Handler: &mp4io.HandlerRefer{SubType: [4]byte{'v', 'i', 'd', 'e'}},
			Info: &mp4io.MediaInfo{
				Video: &mp4io.VideoMediaInfo{Flags: 0x000001},
				Sample: &mp4io.SampleTable{
					SampleDesc:   &mp4io.SampleDesc{},
					TimeToSample: &mp4io.TimeToSample{Entries: []mp4io.TimeToSampleEntry{{Count: 6, Duration: 45000}}},
					SyncSample:   &mp4io.SyncSample{Entries: []uint32{1, 3, 5}},
					SampleToChunk: &mp4io.SampleToChunk{Entries: []mp4io.SampleToChunkEntry{
						{FirstChunk: 1, SamplesPerChunk: 1, SampleDescId: 1},
					}},
					ChunkOffset: &mp4io.ChunkOffset{Entries: []uint32{base, base + 100, base + 200, base + 300, base + 400, base + 500}},
					SampleSize:  &mp4io.SampleSize{SampleSize: 40},
				},
			},
		},
	}
}

// audioTrack has three 1s samples at 48kHz interleaved after each pair of
// video samples.
func audioTrack(base uint32) *mp4io.Track {
	return &mp4io.Track{
		Media: &mp4io.Media{
			Header:  &mp4io.MediaHeader{TimeScale: 48000, Duration: 144000},
			Handler: &mp4io.HandlerRefer{SubType: [4]byte{'s', 'o', 'u', 'n'}},
			Info: &mp4io.MediaInfo{
				Sound: &mp4io.SoundMediaInfo{},
				Sample: &mp4io.SampleTable{
					SampleDesc:   &mp4io.SampleDesc{},
					TimeToSample: &mp4io.TimeToSample{Entries: []mp4io.TimeToSampleEntry{{Count: 3, Duration: 48000}}},
					SampleToChunk: &mp4io.SampleToChunk{Entries: []mp4io.SampleToChunkEntry{
						{FirstChunk: 1, SamplesPerChunk: 1, SampleDescId: 1},
					}},
					ChunkOffset: &mp4io.ChunkOffset{Entries: []uint32{base + 50, base + 250, base + 450}},
					SampleSize:  &mp4io.SampleSize{SampleSize: 10},
				},
			},
		},
	}
}

func writeMovie(t *testing.T, moov *mp4io.Movie, trailer ...[]byte) string {
	t.Helper()
	b := make([]byte, moov.Len())
	moov.Marshal(b)

	var buf bytes.Buffer
	buf.Write(ftyp)
	buf.Write(b)
	for _, tr := range trailer {
		buf.Write(tr)
	}
	path := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func openSample(t *testing.T) *Demuxer {
	t.Helper()
	moov := &mp4io.Movie{
		Header: &mp4io.MovieHeader{TimeScale: 1000, Duration: 3000},
		Tracks: []*mp4io.Track{audioTrack(4096), videoTrack(4096)},
	}
	d, err := Open(writeMovie(t, moov, []byte{0, 0, 0, 8, 'm', 'd', 'a', 't'}))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpen_Streams(t *testing.T) {
	d := openSample(t)

	streams := d.Streams()
	require.Len(t, streams, 2)

	assert.Equal(t, 0, streams[0].Index)
	assert.Equal(t, media.KindAudio, streams[0].Kind)
	assert.Equal(t, media.Rational{Num: 1, Den: 48000}, streams[0].Timebase)

	assert.Equal(t, 1, streams[1].Index)
	assert.Equal(t, media.KindVideo, streams[1].Kind)
	assert.Equal(t, media.Rational{Num: 1, Den: 90000}, streams[1].Timebase)
	assert.Equal(t, int64(270000), streams[1].Duration)

	ticks, tb, ok := d.Duration()
	assert.True(t, ok)
	assert.Equal(t, int64(3000), ticks)
	assert.Equal(t, media.Rational{Num: 1, Den: 1000}, tb)
}

func TestReadPacket_FileOrder(t *testing.T) {
	d := openSample(t)

	var got []media.Packet
	for {
		pkt, err := d.ReadPacket(media.ReadFast)
		if err != nil {
			require.ErrorIs(t, err, media.ErrEndOfStream)
			break
		}
		got = append(got, pkt)
	}

	require.Len(t, got, 9)
	wantStreams := []int{1, 0, 1, 1, 0, 1, 1, 0, 1}
	for i, pkt := range got {
		assert.Equal(t, wantStreams[i], pkt.Stream, "packet %d", i)
		if i > 0 {
			assert.Greater(t, pkt.Pos, got[i-1].Pos)
		}
	}
	assert.True(t, got[0].KeyFrame)
	assert.False(t, got[2].KeyFrame)
	assert.Equal(t, int64(45000), got[2].PTS)
}

func TestReadPacket_Discard(t *testing.T) {
	d := openSample(t)
	require.NoError(t, d.SetDiscard(0, media.DiscardAll))
	require.NoError(t, d.SetDiscard(1, media.DiscardNonKey))

	var pts []int64
	for {
		pkt, err := d.ReadPacket(media.ReadFast)
		if err != nil {
			break
		}
		assert.Equal(t, 1, pkt.Stream)
		assert.True(t, pkt.KeyFrame)
		pts = append(pts, pkt.PTS)
	}
	assert.Equal(t, []int64{0, 90000, 180000}, pts)

	require.ErrorIs(t, d.SetDiscard(0, media.DiscardNone), media.ErrDiscardLocked)
}

func TestSeek(t *testing.T) {
	tests := []struct {
		name    string
		target  int64
		wantPTS int64
		wantErr error
	}{
		{"start", 0, 0, nil},
		{"between keyframes lands before", 135000, 90000, nil},
		{"exact keyframe", 180000, 180000, nil},
		{"inside last gop", 260000, 180000, nil},
		{"negative lands on first", -5, 0, nil},
		{"end of track", 270000, 0, media.ErrSeekFailed},
		{"past end", 270001, 0, media.ErrSeekFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := openSample(t)
			require.NoError(t, d.SetDiscard(0, media.DiscardAll))
			require.NoError(t, d.SetDiscard(1, media.DiscardNonKey))

			err := d.Seek(1, tt.target)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			pkt, err := d.ReadPacket(media.ReadFast)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPTS, pkt.PTS)
			assert.True(t, pkt.KeyFrame)
		})
	}
}

func TestSeek_MovesOtherTracks(t *testing.T) {
	d := openSample(t)
	require.NoError(t, d.Seek(1, 90000))

	pkt, err := d.ReadPacket(media.ReadAccurate)
	require.NoError(t, err)
	assert.Equal(t, 1, pkt.Stream)
	assert.Equal(t, int64(90000), pkt.PTS)

	// the audio sample stored before the landing position is skipped
	pkt, err = d.ReadPacket(media.ReadAccurate)
	require.NoError(t, err)
	assert.Equal(t, 0, pkt.Stream)
	assert.Equal(t, int64(48000), pkt.PTS)

	pkt, err = d.ReadPacket(media.ReadAccurate)
	require.NoError(t, err)
	assert.Equal(t, 1, pkt.Stream)
	assert.Equal(t, int64(135000), pkt.PTS)
}

func TestSeek_UnknownStream(t *testing.T) {
	d := openSample(t)
	require.ErrorIs(t, d.Seek(5, 0), media.ErrNoStream)
}

func TestOpen_NoMovie(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mp4")
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, ftyp...), 0, 0, 0, 8, 'm', 'd', 'a', 't'), 0o644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrNoMovie)
}

func TestOpen_LargeSizeMovie(t *testing.T) {
	moov := &mp4io.Movie{
		Header: &mp4io.MovieHeader{TimeScale: 1000, Duration: 3000},
		Tracks: []*mp4io.Track{videoTrack(4096)},
	}
	b := make([]byte, moov.Len())
	moov.Marshal(b)

	large := []byte{0, 0, 0, 1, 'm', 'o', 'o', 'v', 0, 0, 0, 0, 0, 0, 0, 0}
	pio.PutU64BE(large[8:], uint64(len(b)+8))
	large = append(large, b[8:]...)

	path := filepath.Join(t.TempDir(), "large.mp4")
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, ftyp...), large...), 0o644))

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	streams := d.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, media.KindVideo, streams[0].Kind)
	assert.Equal(t, int64(270000), streams[0].Duration)
}

func TestOpen_Fragmented(t *testing.T) {
	track := videoTrack(0)
	track.Media.Info.Sample.TimeToSample = &mp4io.TimeToSample{}
	moov := &mp4io.Movie{
		Header: &mp4io.MovieHeader{TimeScale: 1000},
		Tracks: []*mp4io.Track{track},
	}
	path := writeMovie(t, moov, []byte{0, 0, 0, 8, 'm', 'o', 'o', 'f'})

	_, err := Open(path)
	require.ErrorIs(t, err, ErrFragmented)
}

func TestBuildIndex_CompositionOffsets(t *testing.T) {
	tbl := &mp4io.SampleTable{
		TimeToSample: &mp4io.TimeToSample{Entries: []mp4io.TimeToSampleEntry{{Count: 3, Duration: 10}}},
		CompositionOffset: &mp4io.CompositionOffset{Entries: []mp4io.CompositionOffsetEntry{
			{Count: 1, Offset: 20},
			{Count: 2, Offset: 0},
		}},
	}

	samples, end := buildIndex(tbl)
	require.Len(t, samples, 3)
	assert.Equal(t, int64(20), samples[0].pts)
	assert.Equal(t, int64(10), samples[1].pts)
	assert.Equal(t, int64(20), samples[2].pts)
	assert.Equal(t, int64(30), end)
	for _, s := range samples {
		assert.True(t, s.key)
	}
}
