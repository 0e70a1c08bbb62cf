// Package v2sig builds the APK Signature Scheme v2 signing block: it chunks
// the archive's three spans (everything before the central directory, the
// central directory, and the EOCD) into 1MiB pieces, hashes them into a
// digest tree, wraps the root digest and certificate in the length-prefixed
// v2 "signed data" wire format, signs it, and frames the result as an APK
// Signing Block ready to splice in front of the central directory.
//
// The outer container shape (duplicated u64 size fields flanking the
// pairs, the "APK Sig Block 42" magic, the central-directory-offset patch)
// mirrors the container that APK signature-v2 parsers expect, since this
// package is the signing-side counterpart producing bytes an existing
// parser would read back out.
package v2sig

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/timfenton/apksign/internal/certutil"
)

const (
	// ChunkSize is the maximum size of one digest-tree leaf.
	ChunkSize = 1 << 20

	// algoIDSHA256RSA is 0x0103, "RSA PKCS#1 v1.5 with SHA2-256" in the v2 scheme.
	algoIDSHA256RSA = 0x0103

	// BlockID is the APK Signature Scheme v2 ID-value pair identifier.
	BlockID = 0x7109871a

	blockMagic = "APK Sig Block 42"

	chunkLeafPrefix = 0xa5
	rootPrefix      = 0x5a
)

// chunkDigests hashes each span independently, never crossing a span
// boundary with a single chunk.
func chunkDigests(spans [][]byte) [][32]byte {
	var digests [][32]byte
	for _, span := range spans {
		for len(span) > 0 {
			n := len(span)
			if n > ChunkSize {
				n = ChunkSize
			}
			digests = append(digests, hashChunk(span[:n]))
			span = span[n:]
		}
	}
	return digests
}

func hashChunk(chunk []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{chunkLeafPrefix})
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(chunk)))
	h.Write(lenBuf[:])
	h.Write(chunk)
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

// RootDigest computes the root digest over the chunk tree for spans
// (in order).
func RootDigest(spans [][]byte) [32]byte {
	digests := chunkDigests(spans)
	h := sha256.New()
	h.Write([]byte{rootPrefix})
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(digests)))
	h.Write(lenBuf[:])
	for _, d := range digests {
		h.Write(d[:])
	}
	var root [32]byte
	h.Sum(root[:0])
	return root
}

func lenPrefixed(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 4+total)
	binary.LittleEndian.PutUint32(out[:4], uint32(total))
	n := 4
	for _, p := range parts {
		n += copy(out[n:], p)
	}
	return out
}

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// BuildSignedData serializes the signed_data structure for a single
// digest/certificate pair with no additional attributes.
func BuildSignedData(root [32]byte, certDER []byte) []byte {
	digestEntry := lenPrefixed(u32le(algoIDSHA256RSA), lenPrefixed(root[:]))
	digestsSeq := lenPrefixed(digestEntry)

	certEntry := lenPrefixed(certDER)
	certsSeq := lenPrefixed(certEntry)

	additionalAttrsSeq := lenPrefixed()

	return lenPrefixed(digestsSeq, certsSeq, additionalAttrsSeq)
}

// BuildSignerBlock signs signedData with key, and assembles the full
// "signer" record including its signatures sequence and public key.
func BuildSignerBlock(signedData []byte, key *rsa.PrivateKey, cert *x509.Certificate) ([]byte, error) {
	sig, err := certutil.SignPKCS1v15SHA256(key, signedData)
	if err != nil {
		return nil, errors.Wrap(err, "v2sig: signing signed_data")
	}
	sigEntry := lenPrefixed(u32le(algoIDSHA256RSA), lenPrefixed(sig))
	signaturesSeq := lenPrefixed(sigEntry)

	pubKeyDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "v2sig: marshaling public key")
	}

	return lenPrefixed(signedData, signaturesSeq, lenPrefixed(pubKeyDER)), nil
}

// BuildV2Block assembles the full v2 pair value ("v2_block") from one
// signer record.
func BuildV2Block(signerRecord []byte) []byte {
	signersSeq := lenPrefixed(signerRecord)
	return lenPrefixed(signersSeq)
}

// Sign computes the v2 digest tree over spans (S1, S3, S4), builds the
// signed_data/signer/v2_block chain, and returns the finished pair value
// ready to be embedded in an APK Signing Block under BlockID.
func Sign(spans [][]byte, key *rsa.PrivateKey, cert *x509.Certificate) ([]byte, error) {
	root := RootDigest(spans)
	signedData := BuildSignedData(root, cert.Raw)
	signer, err := BuildSignerBlock(signedData, key, cert)
	if err != nil {
		return nil, err
	}
	return BuildV2Block(signer), nil
}

// BuildSigningBlock frames value under id as the sole pair of an APK
// Signing Block, padding the value so the total block length is a
// multiple of 8.
func BuildSigningBlock(id uint32, value []byte) []byte {
	pairBody := append(u32le(id), value...)

	// sizeField is the value stored in the two "size of block excluding
	// this field" u64s: the 8-byte pair-length field, the pair body, the
	// trailing duplicate size field, and the magic. The overall block is a
	// multiple of 8 iff sizeField is, since the leading size field is
	// itself 8 bytes.
	const fixedTail = 8 + 16 // trailing size field + magic
	sizeField := 8 + len(pairBody) + fixedTail
	for sizeField%8 != 0 {
		pairBody = append(pairBody, 0)
		sizeField++
	}

	var buf bytes.Buffer
	writeU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}

	size := uint64(8 + len(pairBody) + fixedTail)
	writeU64(size)
	writeU64(uint64(len(pairBody)))
	buf.Write(pairBody)
	writeU64(size)
	buf.WriteString(blockMagic)

	return buf.Bytes()
}
