// Package apksign signs APKs in place: it rewrites the legacy JAR (v1)
// manifest/signature-file/PKCS#7 block, realigns every STORED entry to a
// 4-byte boundary, and inserts an APK Signature Scheme v2 block immediately
// before the central directory, atomically replacing the original file on
// success.
package apksign

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/timfenton/apksign/internal/align"
	"github.com/timfenton/apksign/internal/certutil"
	"github.com/timfenton/apksign/internal/jarsign"
	"github.com/timfenton/apksign/internal/v2sig"
	"github.com/timfenton/apksign/internal/ziputil"
)

// PrePatchHash is the cached per-entry digest type accepted by SignAPK and
// SignAPKWithBuiltinCert, and returned by CollectPrePatchHashes.
type PrePatchHash = jarsign.PrePatchHash

// Logger is used for structured progress output during signing; it may be
// nil, in which case signing proceeds silently.
var Logger *logrus.Logger

// SignAPK signs the APK at path in place using the certificate and private
// key decoded from pemText. knownHashes may be nil; any entry not present
// in it (or whose last-modified timestamp has changed) is rehashed.
func SignAPK(path, pemText string, knownHashes map[string]PrePatchHash) error {
	kp, err := certutil.LoadCertificate(pemText)
	if err != nil {
		return err
	}
	return signWithKeyPair(path, kp, knownHashes)
}

// SignAPKWithBuiltinCert signs the APK at path using a lazily generated,
// process-lifetime self-signed certificate.
func SignAPKWithBuiltinCert(path string, knownHashes map[string]PrePatchHash) error {
	kp, err := builtinKeyPair()
	if err != nil {
		return err
	}
	return signWithKeyPair(path, kp, knownHashes)
}

// CollectPrePatchHashes reads the APK at path and returns the digests
// recorded in its existing MANIFEST.MF, keyed by entry name, so a
// subsequent SignAPK/SignAPKWithBuiltinCert call can skip rehashing
// unchanged entries. It returns (nil, nil), not an error, when the archive
// is unsigned or carries a manifest this package cannot round-trip.
func CollectPrePatchHashes(path string) (map[string]PrePatchHash, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	archive, err := ziputil.Parse(raw)
	if err != nil {
		return nil, err
	}
	return jarsign.CollectPreviousHashes(archive)
}

func logger() *logrus.Logger {
	if Logger != nil {
		return Logger
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// signWithKeyPair runs the full pipeline: strip any existing META-INF/
// signature artifacts, rebuild the v1 manifest/signature-file/block,
// realign every STORED entry, insert a v2 signing block before the central
// directory, and atomically replace path with the result.
func signWithKeyPair(path string, kp *certutil.KeyPair, known map[string]PrePatchHash) error {
	log := logger()

	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}

	archive, err := ziputil.Parse(raw)
	if err != nil {
		return err
	}

	var contentEntries []*ziputil.Entry
	for _, e := range archive.Entries() {
		if !strings.HasPrefix(e.Name, "META-INF/") {
			contentEntries = append(contentEntries, e)
		}
	}
	if len(contentEntries) == 0 {
		return errors.Wrap(ErrMalformedArchive, "archive has no content entries outside META-INF/")
	}

	result, err := jarsign.Build(contentEntries, archive, known, kp, log)
	if err != nil {
		return errors.Wrap(ErrSigningFailed, err.Error())
	}

	modTime, modDate := signatureArtifactTimestamp, signatureArtifactDate
	signatureEntries := []*ziputil.Entry{
		ziputil.NewStoredEntry(jarsign.PathManifest, result.Manifest, modTime, modDate),
		ziputil.NewStoredEntry(jarsign.PathSignatureFile, result.SignatureFile, modTime, modDate),
		ziputil.NewStoredEntry(jarsign.PathSignatureBlock, result.SignatureBlock, modTime, modDate),
	}

	allEntries := make([]*ziputil.Entry, 0, len(signatureEntries)+len(contentEntries))
	allEntries = append(allEntries, signatureEntries...)
	allEntries = append(allEntries, contentEntries...)

	output, err := assembleSignedArchive(allEntries, kp)
	if err != nil {
		return err
	}

	if err := atomicReplace(path, output); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}

	log.WithFields(logrus.Fields{
		"path":     path,
		"entries":  len(contentEntries),
		"reused":   result.HashesReused,
		"computed": result.HashesComputed,
	}).Info("apksign: signed")

	return nil
}

// assembleSignedArchive lays out entries, builds the central directory and
// EOCD, computes the v2 signing block over (entries, CD, EOCD), and
// concatenates the final file bytes with the signing block spliced in
// immediately before the central directory.
func assembleSignedArchive(entries []*ziputil.Entry, kp *certutil.KeyPair) ([]byte, error) {
	aligned, s1Size := align.Align(entries)

	var s1 bytes.Buffer
	for _, e := range aligned {
		s1.Write(e.Raw)
	}

	cdBytes, err := buildCentralDirectory(aligned)
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}

	// First pass: compute the v2 block using a placeholder CD offset, to
	// learn the block's byte length (fixed for a given key/cert regardless
	// of the specific offset value the EOCD carries).
	placeholderEOCD, err := buildEOCD(uint32(s1Size), len(cdBytes), len(aligned))
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	blockValue, err := v2sig.Sign([][]byte{s1.Bytes(), cdBytes, placeholderEOCD}, kp.PrivateKey, kp.Certificate)
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	signingBlock := v2sig.BuildSigningBlock(v2sig.BlockID, blockValue)

	finalCDOffset := s1Size + int64(len(signingBlock))
	finalEOCD, err := buildEOCD(uint32(finalCDOffset), len(cdBytes), len(aligned))
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	finalBlockValue, err := v2sig.Sign([][]byte{s1.Bytes(), cdBytes, finalEOCD}, kp.PrivateKey, kp.Certificate)
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	finalSigningBlock := v2sig.BuildSigningBlock(v2sig.BlockID, finalBlockValue)
	if len(finalSigningBlock) != len(signingBlock) {
		return nil, errors.Wrap(ErrSigningFailed, "v2 signing block length changed between layout passes")
	}

	var out bytes.Buffer
	out.Write(s1.Bytes())
	out.Write(finalSigningBlock)
	out.Write(cdBytes)
	out.Write(finalEOCD)
	return out.Bytes(), nil
}

func buildCentralDirectory(aligned []align.Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range aligned {
		if err := ziputil.WriteCentralDirectoryRecord(&buf, e.Source, uint32(e.Offset), nil); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func buildEOCD(cdOffset uint32, cdSize, count int) ([]byte, error) {
	var buf bytes.Buffer
	if err := ziputil.WriteEOCD(&buf, cdOffset, uint32(cdSize), uint16(count)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// atomicReplace writes data to a temp file in path's directory, syncs it,
// and renames it over path, so a crash or error mid-write never leaves a
// half-written target; the temp file is removed on every non-success path.
func atomicReplace(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".apksign-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// signatureArtifactTimestamp and signatureArtifactDate are the fixed
// MS-DOS date/time fields stamped on the three synthesized signature
// entries (MANIFEST.MF, BS.SF, BS.RSA). A wall-clock timestamp would make
// re-signing the same archive produce different S1 bytes — and therefore
// a different v2 root digest — whenever two signing runs straddle a
// 2-second DOS-time boundary, violating idempotence. 1980-01-01 00:00:00
// is the MS-DOS epoch, the earliest date the format can represent.
const (
	signatureArtifactTimestamp uint16 = 0
	signatureArtifactDate      uint16 = 1<<5 | 1 // year 1980, month 1, day 1
)
