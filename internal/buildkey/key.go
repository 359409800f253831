// Package buildkey derives the content-addressed key that identifies a build.
//
// The key is a SHA-256 digest of the request fields rendered with a
// printable-character mapping that is compatible with keys issued by the
// previous deployment, so existing stored builds keep resolving.
package buildkey

import (
	"crypto/sha256"
	"strconv"
	"strings"
)

// separator joins the request fields before hashing.
const separator = " "

// Compute returns the key for a build request. Equal inputs always yield an
// equal key; it contains only ASCII digits and letters, so it is safe to use
// in file names and URLs.
func Compute(spec string, repeatCount int, version, dihedral string) string {
	canonical := strings.Join([]string{spec, strconv.Itoa(repeatCount), version, dihedral}, separator)
	sum := sha256.Sum256([]byte(canonical))
	return Escape(sum[:])
}

// Escape maps digest bytes to printable text. Each byte is read as a signed
// 8-bit value and its absolute value is taken; values that land on a digit or
// an ASCII letter are written as that character, everything else as its
// decimal number. The absolute value is computed in int width, so -128 is
// written as "128".
func Escape(digest []byte) string {
	var b strings.Builder
	b.Grow(len(digest) * 2)
	for _, raw := range digest {
		v := int(int8(raw))
		if v < 0 {
			v = -v
		}
		if isAlphanumeric(v) {
			b.WriteByte(byte(v))
			continue
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

func isAlphanumeric(v int) bool {
	return (v >= '0' && v <= '9') || (v >= 'A' && v <= 'Z') || (v >= 'a' && v <= 'z')
}
