package ziputil

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildFixture(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseRoundTripsContent(t *testing.T) {
	raw := buildFixture(t, map[string]string{"a.txt": "hello\n", "dir/b.txt": "world\n"})

	a, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, a.Entries(), 2)

	byName := map[string]*Entry{}
	for _, e := range a.Entries() {
		byName[e.Name] = e
	}

	r, err := a.Open(byName["a.txt"])
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(content))
}

func TestLocateEOCDMalformed(t *testing.T) {
	_, err := Parse([]byte("not a zip file"))
	require.ErrorIs(t, err, ErrMalformedArchive)
}

func TestNewStoredEntryIsSelfConsistent(t *testing.T) {
	e := NewStoredEntry("META-INF/BS.SF", []byte("hello"), 0, 0)
	require.Equal(t, uint16(MethodStored), e.Method)
	require.Equal(t, CRC32([]byte("hello")), e.CRC32)
	require.Equal(t, uint64(5), e.CompressedSize)

	reparsed, err := Parse(appendCentralDirectory(t, e))
	require.NoError(t, err)
	require.Len(t, reparsed.Entries(), 1)
	require.Equal(t, e.Name, reparsed.Entries()[0].Name)

	r, err := reparsed.Open(reparsed.Entries()[0])
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
}

// appendCentralDirectory serializes a single-entry archive (local record +
// central directory + EOCD) for round-trip testing of NewStoredEntry and the
// writer helpers together.
func appendCentralDirectory(t *testing.T, e *Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(e.Raw())
	cdOffset := buf.Len()
	require.NoError(t, WriteCentralDirectoryRecord(&buf, e, 0, nil))
	cdSize := buf.Len() - cdOffset
	require.NoError(t, WriteEOCD(&buf, uint32(cdOffset), uint32(cdSize), 1))
	return buf.Bytes()
}

func TestPatchLocalExtraFieldAddsPadding(t *testing.T) {
	e := NewStoredEntry("x", []byte("data"), 0, 0)
	raw := e.Raw()
	padded := PatchLocalExtraField(raw, len("x"), 3)
	require.Equal(t, len(raw)+3, len(padded))
}
