// internal/signature/signature.go
// Package signature derives forensic signatures for uploads. A signature binds
// an upload to its creator, platform, and time, and is carried from the upload
// session through to the finalized asset for downstream provenance tracking.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Prefix is the fixed, human-recognizable marker on every signature.
const Prefix = "FANZ-"

// hexDigits is the number of hex characters kept from the digest. Collision
// probability at this truncation width is astronomically small for the volume
// of uploads a platform sees; collisions are documented rather than handled.
const hexDigits = 16

// Generate produces the forensic signature for an upload. It is a pure
// function: identical (creatorID, platformID, ts) inputs always yield the
// same signature. The timestamp is normalized to UTC RFC 3339 so that the
// output is independent of the caller's time zone.
func Generate(creatorID, platformID string, ts time.Time) string {
	material := creatorID + "|" + platformID + "|" + ts.UTC().Format(time.RFC3339)
	sum := sha256.Sum256([]byte(material))
	return Prefix + strings.ToUpper(hex.EncodeToString(sum[:hexDigits/2]))
}
