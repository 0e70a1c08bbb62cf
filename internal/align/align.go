// Package align implements the 4-byte zip-alignment pass: every STORED
// entry's payload must start at a file offset divisible by 4 so Android can
// mmap it directly. DEFLATEd entries are skipped; they are never mmapped.
//
// Entries are laid out by hand, one local record at a time, padding the
// extra field and cascading the shift to every entry that follows, rather
// than going through archive/zip.
package align

import (
	"encoding/binary"

	"github.com/timfenton/apksign/internal/ziputil"
)

const localHeaderFixedSize = 30

// Entry is one entry after alignment: its original central-directory
// metadata, its (possibly padded) local record bytes, and the file offset
// it will be written at.
type Entry struct {
	Source *ziputil.Entry
	Raw    []byte
	Offset int64
}

// Align lays entries out sequentially from file offset 0, padding each
// STORED entry's local extra field so its payload lands on a 4-byte
// boundary. It returns the laid-out entries and the total byte length of
// the resulting span.
func Align(entries []*ziputil.Entry) ([]Entry, int64) {
	out := make([]Entry, 0, len(entries))
	var offset int64

	for _, e := range entries {
		raw := e.Raw()
		if e.Method == ziputil.MethodStored {
			extraLen := int(binary.LittleEndian.Uint16(raw[28:30]))
			payloadOffset := offset + localHeaderFixedSize + int64(len(e.Name)) + int64(extraLen)
			if rem := payloadOffset % 4; rem != 0 {
				pad := int(4 - rem)
				raw = ziputil.PatchLocalExtraField(raw, len(e.Name), pad)
			}
		}
		out = append(out, Entry{Source: e, Raw: raw, Offset: offset})
		offset += int64(len(raw))
	}

	return out, offset
}
