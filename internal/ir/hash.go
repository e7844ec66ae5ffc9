package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainRecipe prefixes recipe digests so they never collide with other
// SHA-256 values computed over the same bytes.
const DomainRecipe = "cellar/recipe/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the content-addressed identity of a compiled recipe.
// Two recipes with the same digest build the same thing; install receipts
// record it so a changed recipe is visible in `cellar info`.
func Digest(r *Recipe) (string, error) {
	canonical, err := MarshalCanonical(r)
	if err != nil {
		return "", fmt.Errorf("recipe digest: %w", err)
	}
	return hashWithDomain(DomainRecipe, canonical), nil
}
