package mp4

import (
	"github.com/nareix/joy4/format/mp4/mp4io"
)

type sample struct {
	dts int64
	pts int64
	dur int64
	pos int64
	key bool
}

// buildIndex expands a track's sample table into one entry per sample.
// Only timing, sync flags and file positions are read; payloads are not.
func buildIndex(tbl *mp4io.SampleTable) (samples []sample, end int64) {
	if tbl == nil || tbl.TimeToSample == nil {
		return
	}

	n := 0
	for _, e := range tbl.TimeToSample.Entries {
		n += int(e.Count)
	}
	if sz := tbl.SampleSize; sz != nil && sz.SampleSize == 0 && len(sz.Entries) < n {
		n = len(sz.Entries)
	}
	if n == 0 {
		return
	}
	samples = make([]sample, n)

	i := 0
	var dts int64
	for _, e := range tbl.TimeToSample.Entries {
		for k := uint32(0); k < e.Count && i < n; k++ {
			samples[i].dts = dts
			samples[i].dur = int64(e.Duration)
			dts += int64(e.Duration)
			i++
		}
	}

	for i := range samples {
		samples[i].pts = samples[i].dts
		samples[i].pos = int64(i)
	}
	if co := tbl.CompositionOffset; co != nil {
		i = 0
		for _, e := range co.Entries {
			for k := uint32(0); k < e.Count && i < n; k++ {
				samples[i].pts += int64(int32(e.Offset))
				i++
			}
		}
	}

	if ss := tbl.SyncSample; ss != nil {
		for _, num := range ss.Entries {
			if num >= 1 && int(num) <= n {
				samples[num-1].key = true
			}
		}
	} else {
		for i := range samples {
			samples[i].key = true
		}
	}

	locate(tbl, samples)

	for _, s := range samples {
		end = max(end, s.pts+s.dur)
	}
	return
}

// locate resolves file positions from the chunk tables. Samples keep their
// ordinal as position when the tables are missing.
func locate(tbl *mp4io.SampleTable, samples []sample) {
	if tbl.SampleToChunk == nil || tbl.ChunkOffset == nil || tbl.SampleSize == nil {
		return
	}
	stsc := tbl.SampleToChunk.Entries
	if len(stsc) == 0 {
		return
	}

	size := func(i int) int64 {
		if tbl.SampleSize.SampleSize != 0 {
			return int64(tbl.SampleSize.SampleSize)
		}
		return int64(tbl.SampleSize.Entries[i])
	}

	si, entry := 0, 0
	for ci, off := range tbl.ChunkOffset.Entries {
		chunk := uint32(ci + 1)
		for entry+1 < len(stsc) && stsc[entry+1].FirstChunk <= chunk {
			entry++
		}
		pos := int64(off)
		for k := uint32(0); k < stsc[entry].SamplesPerChunk && si < len(samples); k++ {
			samples[si].pos = pos
			pos += size(si)
			si++
		}
	}
}
