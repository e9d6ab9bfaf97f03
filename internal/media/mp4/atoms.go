package mp4

import (
	"errors"
	"fmt"
	"io"

	"github.com/nareix/joy4/format/mp4/mp4io"
	"github.com/nareix/joy4/utils/bits/pio"
)

const maxMovieAtomSize = 256 << 20

var errAtomTooLarge = errors.New("mp4: atom too large")

// readAtom walks top-level atoms from the current position until it meets
// one tagged tag. When atom is non-nil the match is unmarshalled into it.
// Reaching the end of the file without a match is not an error.
func readAtom(r io.ReadSeeker, tag mp4io.Tag, atom mp4io.Atom) (found bool, err error) {
	for {
		var offset int64
		if offset, err = r.Seek(0, io.SeekCurrent); err != nil {
			return
		}
		taghdr := make([]byte, 8)
		if _, err = io.ReadFull(r, taghdr); err != nil {
			if err == io.EOF {
				err = nil
			}
			return
		}
		size := int64(pio.U32BE(taghdr[0:]))
		hdrlen := int64(8)

		switch size {
		case 1:
			ext := make([]byte, 8)
			if _, err = io.ReadFull(r, ext); err != nil {
				return
			}
			size = int64(pio.U64BE(ext))
			hdrlen = 16
		case 0:
			var end int64
			if end, err = r.Seek(0, io.SeekEnd); err != nil {
				return
			}
			size = end - offset
			if _, err = r.Seek(offset+hdrlen, io.SeekStart); err != nil {
				return
			}
		}
		if size < hdrlen {
			err = fmt.Errorf("mp4: bad atom size %d at offset %d", size, offset)
			return
		}

		if mp4io.Tag(pio.U32BE(taghdr[4:])) == tag {
			found = true
			if atom == nil {
				return
			}
			if size > maxMovieAtomSize {
				err = fmt.Errorf("%w: %v of %d bytes", errAtomTooLarge, tag, size)
				return
			}
			// mp4io only parses 32-bit headers; a largesize header is
			// rewritten as one
			b := make([]byte, int(size-hdrlen+8))
			if _, err = io.ReadFull(r, b[8:]); err != nil {
				return
			}
			pio.PutU32BE(b[0:], uint32(len(b)))
			copy(b[4:8], taghdr[4:8])
			_, err = atom.Unmarshal(b, int(offset))
			return
		}

		if _, err = r.Seek(offset+size, io.SeekStart); err != nil {
			return
		}
	}
}
