// Package fingerprint derives content identities for patch text and the
// cache keys built from them. Everything here is pure and deterministic.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"patchverify/internal/domain"
)

// Fingerprint is the hex SHA-256 of normalized patch text.
type Fingerprint string

// Of normalizes text (trim, Unicode case fold) and hashes it.
func Of(text string) Fingerprint {
	// Casers carry state; one per call keeps Of safe for concurrent use.
	normalized := cases.Fold().String(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Valid reports whether s has the shape of a Fingerprint.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

const keyPrefix = "patch:"

// Key is the cache and dedup identity of one (defect, patch) pair.
type Key struct {
	Defect      domain.DefectID
	Fingerprint Fingerprint
}

// JobKey composes the key for a defect and fingerprint.
func JobKey(defect domain.DefectID, fp Fingerprint) Key {
	return Key{Defect: defect, Fingerprint: fp}
}

// String renders patch:<project>@<commit>:<fingerprint>.
func (k Key) String() string {
	return keyPrefix + k.Defect.String() + ":" + string(k.Fingerprint)
}

// ParseJobKey inverts Key.String.
func ParseJobKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, keyPrefix)
	if !ok {
		return Key{}, fmt.Errorf("invalid job key %q: missing %q prefix", s, keyPrefix)
	}
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return Key{}, fmt.Errorf("invalid job key %q: missing fingerprint", s)
	}
	defect, err := domain.ParseDefectID(rest[:idx])
	if err != nil {
		return Key{}, fmt.Errorf("invalid job key %q: %w", s, err)
	}
	fp := rest[idx+1:]
	if !Valid(fp) {
		return Key{}, fmt.Errorf("invalid job key %q: malformed fingerprint", s)
	}
	return Key{Defect: defect, Fingerprint: Fingerprint(fp)}, nil
}
