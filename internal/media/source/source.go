// Package source opens a path as a media.Container, picking the container
// implementation from the file header.
package source

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/cleoag/ffkeyframes/internal/media"
	"github.com/cleoag/ffkeyframes/internal/media/avdemux"
	"github.com/cleoag/ffkeyframes/internal/media/mp4"
	"github.com/cleoag/ffkeyframes/internal/media/ts"
)

type Format string

const (
	FormatMP4   Format = "mp4"
	FormatTS    Format = "mpegts"
	FormatOther Format = "joy4"
)

var isoBoxes = [][]byte{[]byte("ftyp"), []byte("moov"), []byte("mdat"), []byte("free"), []byte("wide"), []byte("skip")}

// Sniff guesses the container format from the first bytes of a file.
func Sniff(head []byte) Format {
	if len(head) >= 8 {
		for _, box := range isoBoxes {
			if bytes.Equal(head[4:8], box) {
				return FormatMP4
			}
		}
	}
	if len(head) > 0 && head[0] == 0x47 && (len(head) <= 188 || head[188] == 0x47) {
		return FormatTS
	}
	return FormatOther
}

// Open opens path with the container implementation matching its header.
// Every failure wraps media.ErrCannotOpen.
func Open(path string) (media.Container, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", media.ErrCannotOpen, err)
	}
	head := make([]byte, 189)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, "", fmt.Errorf("%w: %s: %v", media.ErrCannotOpen, path, err)
	}

	format := Sniff(head[:n])
	var c media.Container
	switch format {
	case FormatMP4:
		c, err = mp4.Open(path)
	case FormatTS:
		c, err = ts.Open(path)
	default:
		c, err = avdemux.Open(path)
	}
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %v", media.ErrCannotOpen, path, err)
	}
	return c, format, nil
}
