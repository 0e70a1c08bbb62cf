package apksign

import (
	"github.com/pkg/errors"

	"github.com/timfenton/apksign/internal/certutil"
	"github.com/timfenton/apksign/internal/jarsign"
	"github.com/timfenton/apksign/internal/ziputil"
)

// ErrBadCertificate, ErrMalformedArchive, and ErrUnsupportedManifest are
// re-exported from the internal packages that detect them, so callers can
// use errors.Is against a single stable set of sentinels regardless of
// which component raised the error.
var (
	ErrBadCertificate      = certutil.ErrBadCertificate
	ErrMalformedArchive    = ziputil.ErrMalformedArchive
	ErrUnsupportedManifest = jarsign.ErrUnsupportedManifest

	// ErrIO marks a disk I/O failure: reading the input APK, writing the
	// temp file, or the final rename.
	ErrIO = errors.New("apksign: I/O failure")

	// ErrSigningFailed marks a cryptographic primitive failure (RSA
	// signing, certificate marshaling) that isn't a bad-input error.
	ErrSigningFailed = errors.New("apksign: signing failed")
)
