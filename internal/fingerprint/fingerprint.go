// Package fingerprint derives cache keys from image content and a resolved
// parameter set.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

// version is bumped whenever the canonical form changes so stale keys miss.
const version = "v1"

// Key identifies one (image, config) pair.
type Key string

func (k Key) String() string { return string(k) }

// Short is a log-friendly prefix of the key.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// ImageHash returns the hex SHA-256 of the image bytes.
func ImageHash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Canonical renders cfg as sorted "field=value" lines. Structurally equal
// configs render identically no matter how they were built.
func Canonical(cfg params.AlgorithmConfig) string {
	p := cfg.Partial()
	var b strings.Builder
	b.WriteString(version)
	b.WriteString("\nbackend=")
	b.WriteString(string(cfg.Backend))
	for _, f := range p.Fields() {
		b.WriteByte('\n')
		b.WriteString(string(f))
		b.WriteByte('=')
		b.WriteString(p[f].String())
	}
	return b.String()
}

// Compute returns the cache key for an image hash and a resolved config.
func Compute(imageHash string, cfg params.AlgorithmConfig) Key {
	h := sha256.New()
	h.Write([]byte(imageHash))
	h.Write([]byte{0})
	h.Write([]byte(Canonical(cfg)))
	return Key(hex.EncodeToString(h.Sum(nil)))
}
