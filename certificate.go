package apksign

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/timfenton/apksign/internal/certutil"
)

// GenerateNewCertificatePEM creates a fresh RSA-2048 self-signed
// certificate/key pair and returns it PEM-encoded, certificate first.
func GenerateNewCertificatePEM() (string, error) {
	kp, err := certutil.GenerateSelfSigned()
	if err != nil {
		return "", errors.Wrap(ErrSigningFailed, err.Error())
	}
	pemText, err := kp.EncodePEM()
	if err != nil {
		return "", errors.Wrap(ErrSigningFailed, err.Error())
	}
	return pemText, nil
}

// builtinKeyPair is generated once per process and reused by
// SignAPKWithBuiltinCert. A compiled-in PEM literal would need to be
// produced by actually running key generation, so the "built-in" cert is
// synthesized lazily instead of embedded as a constant.
var (
	builtinOnce sync.Once
	builtinPair *certutil.KeyPair
	builtinErr  error
)

func builtinKeyPair() (*certutil.KeyPair, error) {
	builtinOnce.Do(func() {
		builtinPair, builtinErr = certutil.GenerateSelfSigned()
	})
	return builtinPair, builtinErr
}
