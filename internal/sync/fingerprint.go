package sync

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"catalog-sync-service/internal/platform"
)

// Fingerprint hashes the listing fields that end up on the shared product row.
// Two listings with the same fingerprint never need a product write.
func Fingerprint(l platform.ExternalListing) string {
	original := ""
	if l.OriginalPrice.Valid {
		original = l.OriginalPrice.Decimal.String()
	}
	fields := []string{
		l.Name,
		l.Description,
		l.Price.String(),
		original,
		l.ImageURL,
		l.Category,
		l.Brand,
		fmt.Sprint(l.IsActive),
	}
	bytes, _ := json.Marshal(fields)
	sum := sha256.Sum256(bytes)
	return fmt.Sprintf("%x", sum)
}
