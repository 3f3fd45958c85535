package common

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Checksum returns the hex encoded sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MakeID derives a stable identity key from prefix and parts. Empty parts
// are ignored; when every part is empty there is no identity and MakeID
// returns "".
func MakeID(prefix string, parts ...string) string {
	h := sha1.New()
	n := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n > 0 {
			h.Write([]byte{'.'})
		}
		h.Write([]byte(p))
		n++
	}
	if n == 0 {
		return ""
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if prefix == "" {
		return digest
	}
	return prefix + "-" + digest
}

// MakeSlug joins parts into a lower case, dash separated identifier.
func MakeSlug(parts ...string) string {
	var b strings.Builder
	dash := false
	for _, p := range parts {
		for _, r := range strings.ToLower(p) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				if dash && b.Len() > 0 {
					b.WriteByte('-')
				}
				b.WriteRune(r)
				dash = false
				continue
			}
			dash = true
		}
		dash = true
	}
	return b.String()
}
