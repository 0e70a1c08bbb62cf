// Package ziputil performs the byte-level ZIP surgery the signer needs:
// locating the end-of-central-directory record, reading central-directory
// entries without going through archive/zip (which does not expose the raw
// local-header offsets this package must patch), and re-serializing a
// central directory and EOCD after entries are added, removed, or shifted
// for alignment.
//
// The EOCD scan and central-directory/EOCD cross-checks below take the same
// byte-surgery approach as the rest of this module: walk the on-disk
// structures directly rather than through a higher-level archive library.
package ziputil

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// ErrMalformedArchive is returned when the EOCD record cannot be located or
// the central directory it points at does not parse.
var ErrMalformedArchive = errors.New("ziputil: malformed zip archive")

const (
	sigLocalHeader = 0x04034b50
	sigCentralDir  = 0x02014b50
	sigEOCD        = 0x06054b50

	localHeaderFixedSize   = 30
	centralHeaderFixedSize = 46
	eocdFixedSize          = 22

	// MethodStored and MethodDeflate are the only two compression methods
	// this module understands; that matches the APK v2 alignment rule,
	// which only cares about STORED entries.
	MethodStored  = 0
	MethodDeflate = 8
)

// Entry describes one central-directory record, plus enough raw local-header
// bytes to copy the entry verbatim into a new archive.
type Entry struct {
	Name              string
	Method            uint16
	CRC32             uint32
	CompressedSize    uint64
	UncompressedSize  uint64
	ModTime           uint16
	ModDate           uint16
	ExternalAttrs     uint32
	LocalHeaderOffset uint64

	// LocalExtraLen is the extra-field length recorded in the local header,
	// read separately from the central directory's own extra field because
	// the two are allowed to differ and alignment only ever rewrites the
	// local one.
	LocalExtraLen uint16

	// raw is the full local file record (header + name + extra + data) as
	// found in the source archive, used to copy the entry byte-for-byte
	// into a rewritten archive without touching compressed bytes.
	raw []byte
}

// Raw returns the entry's full local-header-through-data byte slice,
// exactly as stored in the source archive.
func (e *Entry) Raw() []byte { return e.raw }

// Archive is a fully-loaded in-memory view of a ZIP file's bytes, its
// parsed central directory, and the EOCD offset.
type Archive struct {
	raw        []byte
	cdOffset   int64
	cdSize     int64
	eocdOffset int64
	entries    []*Entry
}

// Parse loads buf as a ZIP archive: locates the EOCD within the trailing
// 64KiB, reads the central directory it points at, and slices out each
// entry's raw local file record.
func Parse(buf []byte) (*Archive, error) {
	eocdOffset, err := locateEOCD(buf)
	if err != nil {
		return nil, err
	}

	cdOffset := int64(binary.LittleEndian.Uint32(buf[eocdOffset+16 : eocdOffset+20]))
	cdSize := int64(binary.LittleEndian.Uint32(buf[eocdOffset+12 : eocdOffset+16]))
	entryCount := int(binary.LittleEndian.Uint16(buf[eocdOffset+10 : eocdOffset+12]))

	if cdOffset < 0 || cdOffset+cdSize > int64(len(buf)) {
		return nil, errors.Wrap(ErrMalformedArchive, "central directory out of bounds")
	}

	a := &Archive{raw: buf, cdOffset: cdOffset, cdSize: cdSize, eocdOffset: eocdOffset}

	pos := cdOffset
	for i := 0; i < entryCount; i++ {
		if pos+centralHeaderFixedSize > int64(len(buf)) {
			return nil, errors.Wrap(ErrMalformedArchive, "central directory record truncated")
		}
		if binary.LittleEndian.Uint32(buf[pos:pos+4]) != sigCentralDir {
			return nil, errors.Wrap(ErrMalformedArchive, "bad central directory signature")
		}
		method := binary.LittleEndian.Uint16(buf[pos+10 : pos+12])
		modTime := binary.LittleEndian.Uint16(buf[pos+12 : pos+14])
		modDate := binary.LittleEndian.Uint16(buf[pos+14 : pos+16])
		crc := binary.LittleEndian.Uint32(buf[pos+16 : pos+20])
		compSize := binary.LittleEndian.Uint32(buf[pos+20 : pos+24])
		uncompSize := binary.LittleEndian.Uint32(buf[pos+24 : pos+28])
		nameLen := int(binary.LittleEndian.Uint16(buf[pos+28 : pos+30]))
		extraLen := int(binary.LittleEndian.Uint16(buf[pos+30 : pos+32]))
		commentLen := int(binary.LittleEndian.Uint16(buf[pos+32 : pos+34]))
		extAttrs := binary.LittleEndian.Uint32(buf[pos+38 : pos+42])
		localOffset := int64(binary.LittleEndian.Uint32(buf[pos+42 : pos+46]))

		nameStart := pos + centralHeaderFixedSize
		if nameStart+int64(nameLen) > int64(len(buf)) {
			return nil, errors.Wrap(ErrMalformedArchive, "central directory name truncated")
		}
		name := string(buf[nameStart : nameStart+int64(nameLen)])

		e := &Entry{
			Name:              name,
			Method:            method,
			CRC32:             crc,
			CompressedSize:    uint64(compSize),
			UncompressedSize:  uint64(uncompSize),
			ModTime:           modTime,
			ModDate:           modDate,
			ExternalAttrs:     extAttrs,
			LocalHeaderOffset: uint64(localOffset),
		}

		if err := fillLocalRecord(buf, e); err != nil {
			return nil, err
		}
		a.entries = append(a.entries, e)

		pos = nameStart + int64(nameLen) + int64(extraLen) + int64(commentLen)
	}

	return a, nil
}

// fillLocalRecord reads the local header at e.LocalHeaderOffset to learn its
// extra-field length, then slices the complete local record (header, name,
// extra, and compressed data) out of buf.
func fillLocalRecord(buf []byte, e *Entry) error {
	off := int64(e.LocalHeaderOffset)
	if off+localHeaderFixedSize > int64(len(buf)) {
		return errors.Wrap(ErrMalformedArchive, "local header truncated")
	}
	if binary.LittleEndian.Uint32(buf[off:off+4]) != sigLocalHeader {
		return errors.Wrap(ErrMalformedArchive, "bad local header signature")
	}
	nameLen := int64(binary.LittleEndian.Uint16(buf[off+26 : off+28]))
	extraLen := int64(binary.LittleEndian.Uint16(buf[off+28 : off+30]))
	e.LocalExtraLen = uint16(extraLen)

	recordLen := localHeaderFixedSize + nameLen + extraLen + int64(e.CompressedSize)
	if off+recordLen > int64(len(buf)) {
		return errors.Wrap(ErrMalformedArchive, "local file data truncated")
	}
	e.raw = buf[off : off+recordLen]
	return nil
}

// locateEOCD scans backward from EOF for the EOCD signature, as the ZIP
// format requires when a variable-length comment may follow the central
// directory. Only the trailing 64KiB + fixed record size is searched, per
// the maximum possible comment length.
func locateEOCD(buf []byte) (int64, error) {
	if len(buf) < eocdFixedSize {
		return 0, errors.Wrap(ErrMalformedArchive, "file too small to contain an EOCD record")
	}
	maxBack := 65535 + eocdFixedSize
	if maxBack > len(buf) {
		maxBack = len(buf)
	}
	tail := buf[len(buf)-maxBack:]
	for i := len(tail) - eocdFixedSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:i+4]) == sigEOCD {
			commentLen := int(binary.LittleEndian.Uint16(tail[i+20 : i+22]))
			if i+eocdFixedSize+commentLen == len(tail) {
				return int64(len(buf)-maxBack) + int64(i), nil
			}
		}
	}
	return 0, errors.Wrap(ErrMalformedArchive, "EOCD record not found in trailing 64KiB")
}

// Entries returns the parsed central-directory entries in on-disk order.
func (a *Archive) Entries() []*Entry { return a.entries }

// CDOffset returns the byte offset of the first central-directory record.
func (a *Archive) CDOffset() int64 { return a.cdOffset }

// Open decompresses entry e's content on demand; STORED entries are served
// directly from the underlying buffer, DEFLATEd entries are streamed
// through flate.
func (a *Archive) Open(e *Entry) (io.ReadCloser, error) {
	dataOff := int64(e.LocalHeaderOffset) + localHeaderFixedSize + int64(len(e.Name)) + int64(e.LocalExtraLen)
	data := a.raw[dataOff : dataOff+int64(e.CompressedSize)]
	switch e.Method {
	case MethodStored:
		return io.NopCloser(bytes.NewReader(data)), nil
	case MethodDeflate:
		return flate.NewReader(bytes.NewReader(data)), nil
	default:
		return nil, errors.Errorf("ziputil: unsupported compression method %d for %q", e.Method, e.Name)
	}
}

// CRC32 computes the CRC-32 checksum Android expects in the local and
// central-directory headers for freshly written content.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// NewStoredEntry builds an Entry for a freshly produced signature artifact
// (MANIFEST.MF, BS.SF, BS.RSA), always STORED so its byte offset is
// predictable for v2 hashing.
func NewStoredEntry(name string, content []byte, modTime, modDate uint16) *Entry {
	return &Entry{
		Name:             name,
		Method:           MethodStored,
		CRC32:            CRC32(content),
		CompressedSize:   uint64(len(content)),
		UncompressedSize: uint64(len(content)),
		ModTime:          modTime,
		ModDate:          modDate,
		ExternalAttrs:    0,
		raw:              buildLocalRecord(name, content, modTime, modDate),
	}
}

func buildLocalRecord(name string, content []byte, modTime, modDate uint16) []byte {
	var buf bytes.Buffer
	hdr := make([]byte, localHeaderFixedSize)
	binary.LittleEndian.PutUint32(hdr[0:4], sigLocalHeader)
	binary.LittleEndian.PutUint16(hdr[4:6], 20) // version needed to extract
	binary.LittleEndian.PutUint16(hdr[6:8], 0)  // general purpose flags
	binary.LittleEndian.PutUint16(hdr[8:10], MethodStored)
	binary.LittleEndian.PutUint16(hdr[10:12], modTime)
	binary.LittleEndian.PutUint16(hdr[12:14], modDate)
	binary.LittleEndian.PutUint32(hdr[14:18], CRC32(content))
	binary.LittleEndian.PutUint32(hdr[18:22], uint32(len(content)))
	binary.LittleEndian.PutUint32(hdr[22:26], uint32(len(content)))
	binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(name)))
	binary.LittleEndian.PutUint16(hdr[28:30], 0) // extra field length
	buf.Write(hdr)
	buf.WriteString(name)
	buf.Write(content)
	return buf.Bytes()
}

// WriteEOCD serializes an EOCD record pointing at a central directory of
// cdSize bytes, holding count entries, starting at cdOffset.
func WriteEOCD(w io.Writer, cdOffset, cdSize uint32, count uint16) error {
	rec := make([]byte, eocdFixedSize)
	binary.LittleEndian.PutUint32(rec[0:4], sigEOCD)
	binary.LittleEndian.PutUint16(rec[4:6], 0)
	binary.LittleEndian.PutUint16(rec[6:8], 0)
	binary.LittleEndian.PutUint16(rec[8:10], count)
	binary.LittleEndian.PutUint16(rec[10:12], count)
	binary.LittleEndian.PutUint32(rec[12:16], cdSize)
	binary.LittleEndian.PutUint32(rec[16:20], cdOffset)
	binary.LittleEndian.PutUint16(rec[20:22], 0)
	_, err := w.Write(rec)
	return err
}

// WriteCentralDirectoryRecord serializes e's central-directory entry.
// extra is the (possibly alignment-padded) extra field to record; it need
// not match e's local extra field length, mirroring real ZIP writers where
// the two are allowed to diverge.
func WriteCentralDirectoryRecord(w io.Writer, e *Entry, localHeaderOffset uint32, extra []byte) error {
	hdr := make([]byte, centralHeaderFixedSize)
	binary.LittleEndian.PutUint32(hdr[0:4], sigCentralDir)
	binary.LittleEndian.PutUint16(hdr[4:6], 20) // version made by
	binary.LittleEndian.PutUint16(hdr[6:8], 20) // version needed to extract
	binary.LittleEndian.PutUint16(hdr[8:10], 0) // general purpose flags
	binary.LittleEndian.PutUint16(hdr[10:12], e.Method)
	binary.LittleEndian.PutUint16(hdr[12:14], e.ModTime)
	binary.LittleEndian.PutUint16(hdr[14:16], e.ModDate)
	binary.LittleEndian.PutUint32(hdr[16:20], e.CRC32)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(e.CompressedSize))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(e.UncompressedSize))
	binary.LittleEndian.PutUint16(hdr[28:30], uint16(len(e.Name)))
	binary.LittleEndian.PutUint16(hdr[30:32], uint16(len(extra)))
	binary.LittleEndian.PutUint16(hdr[32:34], 0) // comment length
	binary.LittleEndian.PutUint16(hdr[34:36], 0) // disk number start
	binary.LittleEndian.PutUint16(hdr[36:38], 0) // internal attrs
	binary.LittleEndian.PutUint32(hdr[38:42], e.ExternalAttrs)
	binary.LittleEndian.PutUint32(hdr[42:46], localHeaderOffset)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.Name); err != nil {
		return err
	}
	_, err := w.Write(extra)
	return err
}

// PatchLocalExtraField rewrites the extra-field-length field of the local
// header embedded in raw and appends pad zero bytes after the header+name,
// returning the new local record. This is how alignment inserts padding
// without needing to touch the compressed data or CRC.
func PatchLocalExtraField(raw []byte, nameLen int, pad int) []byte {
	out := make([]byte, 0, len(raw)+pad)
	out = append(out, raw[:localHeaderFixedSize+nameLen]...)
	extraLen := binary.LittleEndian.Uint16(out[28:30]) + uint16(pad)
	binary.LittleEndian.PutUint16(out[28:30], extraLen)
	padding := make([]byte, pad)
	out = append(out, padding...)
	out = append(out, raw[localHeaderFixedSize+nameLen:]...)
	return out
}
