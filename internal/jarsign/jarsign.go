// Copyright 2014-2019 apksigner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jarsign produces the three legacy JAR (APK v1) signature
// artifacts — META-INF/MANIFEST.MF, META-INF/BS.SF, META-INF/BS.RSA — and
// maintains the incremental per-entry hash cache that lets repeated signing
// of a slowly-changing APK skip rehashing unchanged entries.
package jarsign

import (
	"bytes"
	"encoding/asn1"
	"encoding/base64"
	"sync/atomic"

	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/timfenton/apksign/internal/certutil"
	"github.com/timfenton/apksign/internal/ziputil"
)

// PathManifest, PathSignatureFile, and PathSignatureBlock are the fixed
// META-INF names this module writes.
const (
	PathManifest       = "META-INF/MANIFEST.MF"
	PathSignatureFile  = "META-INF/BS.SF"
	PathSignatureBlock = "META-INF/BS.RSA"

	toolName = "apksign"
)

// oidSHA256 is 2.16.840.1.101.3.4.2.1, the digest algorithm identifier
// carried in the CMS SignerInfo.
var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// PrePatchHash is a trusted digest of an entry's uncompressed content, keyed
// by the entry's last-modified DOS timestamp at the time it was recorded.
type PrePatchHash struct {
	DigestB64    string
	LastModified uint32
}

// dosTimestamp packs a CD entry's ModDate/ModTime fields into one
// comparable value.
func dosTimestamp(e *ziputil.Entry) uint32 {
	return uint32(e.ModDate)<<16 | uint32(e.ModTime)
}

// ManifestEntry is one MANIFEST.MF section: a content entry's name and
// content digest.
type ManifestEntry struct {
	Name      string
	DigestB64 string
}

// BuildResult carries everything downstream components need: the three
// artifact byte streams, ready to be written as new STORED ZIP entries.
type BuildResult struct {
	Manifest       []byte
	SignatureFile  []byte
	SignatureBlock []byte
	Entries        []ManifestEntry
	HashesReused   int
	HashesComputed int
}

// Build hashes every non-META-INF/ entry in entries (already filtered by
// the caller, in archive central-directory order), reusing known's cached
// digest whenever an entry's last-modified timestamp matches, then produces
// the manifest, signature file, and PKCS#7 signature block.
//
// Hashing of entries not served from the cache is fanned out across a
// bounded pool of goroutines; manifest section order always matches
// entries' order regardless of which goroutine finishes first.
func Build(entries []*ziputil.Entry, archive *ziputil.Archive, known map[string]PrePatchHash, keyPair *certutil.KeyPair, log *logrus.Logger) (*BuildResult, error) {
	if log == nil {
		log = silentLogger()
	}

	digests, reused, computed, err := digestAll(entries, archive, known)
	if err != nil {
		return nil, err
	}

	var manifestBody bytes.Buffer
	var sections [][]byte
	var result BuildResult
	result.HashesReused = reused
	result.HashesComputed = computed

	header := "Manifest-Version: 1.0\r\nCreated-By: " + toolName + "\r\n\r\n"
	manifestBody.WriteString(header)

	for i, e := range entries {
		digestB64 := digests[i]
		section := "Name: " + e.Name + "\r\n" +
			"SHA-256-Digest: " + digestB64 + "\r\n\r\n"
		manifestBody.WriteString(section)
		sections = append(sections, []byte(section))
		result.Entries = append(result.Entries, ManifestEntry{Name: e.Name, DigestB64: digestB64})
	}

	result.Manifest = manifestBody.Bytes()
	log.WithFields(logrus.Fields{
		"entries":  len(entries),
		"reused":   result.HashesReused,
		"computed": result.HashesComputed,
	}).Debug("jarsign: manifest built")

	manifestDigest := certutil.HashBytes(result.Manifest)
	var sf bytes.Buffer
	sf.WriteString("Signature-Version: 1.0\r\n")
	sf.WriteString("SHA-256-Digest-Manifest: " + base64.StdEncoding.EncodeToString(manifestDigest[:]) + "\r\n")
	sf.WriteString("Created-By: " + toolName + "\r\n")
	sf.WriteString("X-Android-APK-Signed: 2\r\n\r\n")
	for i, e := range entries {
		sectionDigest := certutil.HashBytes(sections[i])
		sf.WriteString("Name: " + e.Name + "\r\n")
		sf.WriteString("SHA-256-Digest: " + base64.StdEncoding.EncodeToString(sectionDigest[:]) + "\r\n\r\n")
	}
	result.SignatureFile = sf.Bytes()

	block, err := signDetachedCMS(result.SignatureFile, keyPair)
	if err != nil {
		return nil, errors.Wrap(err, "jarsign: signing signature file")
	}
	result.SignatureBlock = block

	return &result, nil
}

// hashDispatchLimit bounds how many entries are hashed concurrently; the
// goroutines only ever contend for CPU (SHA-256) and read-only slices of
// the source archive's bytes, so a small fixed pool is enough to keep
// large APKs off a single core without unbounded fan-out.
const hashDispatchLimit = 8

// digestAll resolves every entry's digest, in order, reusing known's cache
// where the last-modified timestamp matches and otherwise streaming a
// fresh SHA-256 over the entry's uncompressed content. Independent entries
// are hashed concurrently through a bounded errgroup; results are written
// into a pre-sized slice so completion order never affects output order.
func digestAll(entries []*ziputil.Entry, archive *ziputil.Archive, known map[string]PrePatchHash) (digests []string, reused, computed int, err error) {
	digests = make([]string, len(entries))
	var reusedCount, computedCount int64

	g := new(errgroup.Group)
	g.SetLimit(hashDispatchLimit)

	for i, e := range entries {
		i, e := i, e
		if cached, ok := known[e.Name]; ok && cached.LastModified == dosTimestamp(e) {
			digests[i] = cached.DigestB64
			atomic.AddInt64(&reusedCount, 1)
			continue
		}

		g.Go(func() error {
			digestB64, hashErr := hashEntry(e, archive)
			if hashErr != nil {
				return errors.Wrapf(hashErr, "jarsign: hashing %q", e.Name)
			}
			digests[i] = digestB64
			atomic.AddInt64(&computedCount, 1)
			return nil
		})
	}

	if waitErr := g.Wait(); waitErr != nil {
		return nil, 0, 0, waitErr
	}
	return digests, int(reusedCount), int(computedCount), nil
}

// hashEntry returns the base64 SHA-256 digest of e's uncompressed content.
func hashEntry(e *ziputil.Entry, archive *ziputil.Archive) (string, error) {
	r, err := archive.Open(e)
	if err != nil {
		return "", err
	}
	defer r.Close()

	sum, err := certutil.HashReader(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// signDetachedCMS produces a DER-encoded PKCS#7/CMS SignedData structure
// over data with no embedded content (detached signature), one SHA-256
// digest algorithm, one RSA signer, and the signing certificate.
func signDetachedCMS(data []byte, keyPair *certutil.KeyPair) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, errors.Wrap(err, "initializing CMS SignedData")
	}
	sd.SetDigestAlgorithm(oidSHA256)
	if err := sd.AddSigner(keyPair.Certificate, keyPair.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, errors.Wrap(err, "adding CMS signer")
	}
	sd.Detach()
	return sd.Finish()
}

// CollectPreviousHashes reads an existing signed archive's MANIFEST.MF (if
// any), tolerating wrapped continuation lines, and pairs each manifest
// digest with the entry's current last-modified timestamp from the central
// directory. An absent or unsupported manifest is not an error: it returns
// (nil, nil) so callers fall back to full rehashing.
func CollectPreviousHashes(archive *ziputil.Archive) (map[string]PrePatchHash, error) {
	var manifestEntry *ziputil.Entry
	for _, e := range archive.Entries() {
		if e.Name == PathManifest {
			manifestEntry = e
			break
		}
	}
	if manifestEntry == nil {
		return nil, nil
	}

	r, err := archive.Open(manifestEntry)
	if err != nil {
		return nil, nil
	}
	defer r.Close()

	parsed, err := ParseTextManifest(r)
	if err != nil {
		return nil, nil
	}
	if !parsed.IsSupported() {
		return nil, nil
	}

	byName := make(map[string]*ziputil.Entry, len(archive.Entries()))
	for _, e := range archive.Entries() {
		byName[e.Name] = e
	}

	known := make(map[string]PrePatchHash)
	for name, attrs := range parsed {
		if name == "" {
			continue
		}
		digest := attrs.digestValue()
		if digest == "" {
			continue
		}
		e, ok := byName[name]
		if !ok {
			continue
		}
		known[name] = PrePatchHash{DigestB64: digest, LastModified: dosTimestamp(e)}
	}
	if len(known) == 0 {
		return nil, nil
	}
	return known, nil
}

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(discard{})
	return log
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
