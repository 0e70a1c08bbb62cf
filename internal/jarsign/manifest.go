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

package jarsign

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Attributes holds the ordered attribute lines of one manifest section.
type Attributes []string

// TextManifest is a parsed MANIFEST.MF: the empty key holds the main
// section's attributes, every other key is an entry name.
type TextManifest map[string]Attributes

// ErrUnsupportedManifest marks a manifest this package cannot safely
// round-trip (wrong version, or digests that aren't SHA-256).
// ParseTextManifest itself never returns this — callers decide whether an
// imperfect parse is still usable.
var ErrUnsupportedManifest = errors.New("jarsign: unsupported manifest format")

// ParseTextManifest reads a MANIFEST.MF byte stream into a TextManifest,
// tolerating the " "-prefixed continuation lines older signers write to
// wrap long Name/digest lines, even though this module's own writer no
// longer produces wrapped lines.
func ParseTextManifest(r io.Reader) (TextManifest, error) {
	const namePrefix = "Name: "
	m := TextManifest{}
	k, v := "", Attributes{}
	scan := bufio.NewScanner(io.MultiReader(r, strings.NewReader("\r\n\r\n")))
	for scan.Scan() {
		line := scan.Text()
		switch {
		case line == "":
			if len(v) > 0 {
				m[k] = v
				k, v = "", Attributes{}
			}
		case strings.HasPrefix(line, namePrefix):
			k = line[len(namePrefix):]
		case strings.HasPrefix(line, " "):
			if len(v) == 0 {
				k += line[1:]
			} else {
				v[len(v)-1] += line[1:]
			}
		default:
			v = append(v, line)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, errors.Wrap(err, "jarsign: scanning MANIFEST.MF")
	}
	return m, nil
}

// digestValue returns the base64 SHA-256-Digest value from as, or "" if
// absent or using a non-SHA-256 algorithm.
func (as Attributes) digestValue() string {
	for _, a := range as {
		if strings.HasPrefix(a, "SHA-256-Digest: ") {
			return strings.TrimPrefix(a, "SHA-256-Digest: ")
		}
	}
	return ""
}

// IsSupported reports whether the main section declares
// "Manifest-Version: 1.0", the only format this module round-trips.
func (m TextManifest) IsSupported() bool {
	for _, a := range m[""] {
		if a == "Manifest-Version: 1.0" {
			return true
		}
	}
	return false
}
