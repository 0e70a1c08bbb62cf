// Package certutil loads and generates the X.509 certificate and RSA
// private key material the signer authenticates with, and provides the
// streaming SHA-256 helpers every other component hashes through.
package certutil

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrBadCertificate is returned when a PEM blob is missing either the
// certificate or the private key section.
var ErrBadCertificate = errors.New("certutil: PEM blob must contain one CERTIFICATE and one private key block")

// KeyPair bundles the parsed certificate and its signing key.
type KeyPair struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// LoadCertificate parses a PEM blob containing one CERTIFICATE block and one
// RSA PRIVATE KEY (PKCS#1) or PRIVATE KEY (PKCS#8) block, in either order,
// tolerating surrounding whitespace and multiple concatenated sections.
func LoadCertificate(pemText string) (*KeyPair, error) {
	rest := []byte(strings.TrimSpace(pemText))
	var certBlock, keyBlock *pem.Block
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if certBlock == nil {
				certBlock = block
			}
		case "RSA PRIVATE KEY", "PRIVATE KEY":
			if keyBlock == nil {
				keyBlock = block
			}
		}
	}
	if certBlock == nil || keyBlock == nil {
		return nil, ErrBadCertificate
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrBadCertificate, err.Error())
	}

	key, err := parsePrivateKey(keyBlock)
	if err != nil {
		return nil, errors.Wrap(ErrBadCertificate, err.Error())
	}

	return &KeyPair{Certificate: cert, PrivateKey: key}, nil
}

func parsePrivateKey(block *pem.Block) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	rsaKey, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("unsupported private key type %T, only RSA is supported", generic)
	}
	return rsaKey, nil
}

// GenerateSelfSigned synthesizes a fresh RSA-2048 self-signed certificate,
// CN=Unknown, valid from 10 years ago to 50 years from now.
func GenerateSelfSigned() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generating RSA key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generating certificate serial")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "Unknown"},
		NotBefore:    now.AddDate(-10, 0, 0),
		NotAfter:     now.AddDate(50, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "creating self-signed certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing generated certificate")
	}

	return &KeyPair{Certificate: cert, PrivateKey: key}, nil
}

// EncodePEM concatenates the certificate and PKCS#1 private key as a single
// PEM blob, certificate first.
func (kp *KeyPair) EncodePEM() (string, error) {
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: kp.Certificate.Raw}); err != nil {
		return "", err
	}
	if err := pem.Encode(&buf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey)}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// streamChunk bounds how much of an entry is pulled into memory per read
// while hashing, per the "never materialize an entry in full" requirement.
const streamChunk = 64 * 1024

// HashReader streams r in bounded chunks and returns its SHA-256 digest.
func HashReader(r io.Reader) ([32]byte, error) {
	h := sha256.New()
	buf := make([]byte, streamChunk)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return [32]byte{}, errors.Wrap(err, "hashing stream")
	}
	var sum [32]byte
	h.Sum(sum[:0])
	return sum, nil
}

// HashBytes is the one-shot equivalent of HashReader for in-memory buffers.
func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// SignPKCS1v15SHA256 hashes data with SHA-256 and signs the digest with key
// using RSA PKCS#1 v1.5.
func SignPKCS1v15SHA256(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "RSA-SHA256 signing")
	}
	return sig, nil
}
