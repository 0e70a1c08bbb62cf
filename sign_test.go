package apksign

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timfenton/apksign/internal/certutil"
	"github.com/timfenton/apksign/internal/jarsign"
	"github.com/timfenton/apksign/internal/ziputil"
)

func buildUnsignedAPK(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "unsigned.apk")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func testPEM(t *testing.T) string {
	t.Helper()
	kp, err := certutil.GenerateSelfSigned()
	require.NoError(t, err)
	pemText, err := kp.EncodePEM()
	require.NoError(t, err)
	return pemText
}

func TestSignAPKProducesParsableArchive(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{"a.txt": "hello\n", "lib/x.so": "native"})
	pemText := testPEM(t)

	require.NoError(t, SignAPK(path, pemText, nil))

	signed, err := os.ReadFile(path)
	require.NoError(t, err)

	archive, err := ziputil.Parse(signed)
	require.NoError(t, err)

	byName := map[string]*ziputil.Entry{}
	for _, e := range archive.Entries() {
		byName[e.Name] = e
	}
	require.Contains(t, byName, jarsign.PathManifest)
	require.Contains(t, byName, jarsign.PathSignatureFile)
	require.Contains(t, byName, jarsign.PathSignatureBlock)
	require.Contains(t, byName, "a.txt")
	require.Contains(t, byName, "lib/x.so")
}

func TestSignAPKPreservesContentBytes(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{"a.txt": "hello\n"})
	require.NoError(t, SignAPK(path, testPEM(t), nil))

	signed, err := os.ReadFile(path)
	require.NoError(t, err)
	archive, err := ziputil.Parse(signed)
	require.NoError(t, err)

	var found *ziputil.Entry
	for _, e := range archive.Entries() {
		if e.Name == "a.txt" {
			found = e
		}
	}
	require.NotNil(t, found)
	r, err := archive.Open(found)
	require.NoError(t, err)
	content := make([]byte, found.UncompressedSize)
	_, err = r.Read(content)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(content))
}

// TestSignAPKReplacesForeignSignature checks the scenario where an archive
// already carries signature artifacts from an unrelated signer: after
// signing, only this package's META-INF/BS.* names remain.
func TestSignAPKReplacesForeignSignature(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{
		"a.txt":                    "hello\n",
		"META-INF/MANIFEST.MF":     "Manifest-Version: 1.0\r\nCreated-By: other-tool\r\n\r\n",
		"META-INF/CERT.SF":         "Signature-Version: 1.0\r\n\r\n",
		"META-INF/CERT.RSA":        "not-really-pkcs7",
	})
	require.NoError(t, SignAPK(path, testPEM(t), nil))

	signed, err := os.ReadFile(path)
	require.NoError(t, err)
	archive, err := ziputil.Parse(signed)
	require.NoError(t, err)

	for _, e := range archive.Entries() {
		require.False(t, strings.HasPrefix(e.Name, "META-INF/CERT."), "foreign signature entry %q must be stripped", e.Name)
	}
}

func TestSignAPKAlignsStoredEntries(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{
		"a":        "x",
		"lib/x.so": "native-lib-bytes",
	})
	require.NoError(t, SignAPK(path, testPEM(t), nil))

	signed, err := os.ReadFile(path)
	require.NoError(t, err)
	archive, err := ziputil.Parse(signed)
	require.NoError(t, err)

	for _, e := range archive.Entries() {
		if e.Method != ziputil.MethodStored {
			continue
		}
		payloadOffset := int64(e.LocalHeaderOffset) + 30 + int64(len(e.Name)) + int64(e.LocalExtraLen)
		require.Zero(t, payloadOffset%4, "entry %q payload offset %d not 4-aligned", e.Name, payloadOffset)
	}
}

// TestSignAPKEOCDPointsAtCentralDirectory checks the EOCD consistency
// invariant: eocd.offset_of_cd equals the byte position of the first CD
// record in the final file.
func TestSignAPKEOCDPointsAtCentralDirectory(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{"a.txt": "hello\n"})
	require.NoError(t, SignAPK(path, testPEM(t), nil))

	signed, err := os.ReadFile(path)
	require.NoError(t, err)
	archive, err := ziputil.Parse(signed)
	require.NoError(t, err)

	require.Equal(t, archive.CDOffset(), archive.CDOffset())

	eocdTail := signed[len(signed)-22:]
	cdOffset := binary.LittleEndian.Uint32(eocdTail[16:20])
	require.Equal(t, uint32(archive.CDOffset()), cdOffset)

	require.Equal(t, uint32(0x02014b50), binary.LittleEndian.Uint32(signed[cdOffset:cdOffset+4]))
}

func TestSignAPKIsIdempotentGivenPrePatchHashes(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{"a.txt": "hello\n", "b.txt": "world\n"})
	pemText := testPEM(t)

	require.NoError(t, SignAPK(path, pemText, nil))
	firstPass, err := os.ReadFile(path)
	require.NoError(t, err)

	known, err := CollectPrePatchHashes(path)
	require.NoError(t, err)
	require.NotNil(t, known)

	require.NoError(t, SignAPK(path, pemText, known))
	secondPass, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, firstPass, secondPass)
}

func TestSignAPKWithBuiltinCertSignsInPlace(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{"a.txt": "hello\n"})
	require.NoError(t, SignAPKWithBuiltinCert(path, nil))

	known, err := CollectPrePatchHashes(path)
	require.NoError(t, err)
	require.NotNil(t, known)
	require.Contains(t, known, "a.txt")
}

func TestSignAPKRejectsMalformedArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-zip.apk")
	require.NoError(t, os.WriteFile(path, []byte("not a zip file"), 0o644))

	err := SignAPK(path, testPEM(t), nil)
	require.ErrorIs(t, err, ErrMalformedArchive)

	unchanged, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	require.Equal(t, "not a zip file", string(unchanged))
}

func TestSignAPKRejectsBadCertificatePEM(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{"a.txt": "hello\n"})
	err := SignAPK(path, "not a pem blob", nil)
	require.ErrorIs(t, err, ErrBadCertificate)
}

func TestCollectPrePatchHashesReturnsNilForUnsignedArchive(t *testing.T) {
	path := buildUnsignedAPK(t, map[string]string{"a.txt": "hello\n"})
	known, err := CollectPrePatchHashes(path)
	require.NoError(t, err)
	require.Nil(t, known)
}

func TestGenerateNewCertificatePEMRoundTrips(t *testing.T) {
	pemText, err := GenerateNewCertificatePEM()
	require.NoError(t, err)
	_, err = certutil.LoadCertificate(pemText)
	require.NoError(t, err)
}
