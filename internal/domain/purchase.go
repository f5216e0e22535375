package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// PurchaseRequest is an inbound purchase, immutable once accepted.
type PurchaseRequest struct {
	ProductID      int64
	CardToken      string
	CustomerName   string
	CustomerEmail  string
	MACAddress     string
	AutoConnect    bool
	IdempotencyKey string // optional, client-supplied
}

// Fingerprint derives the deduplication key for this request within a router's
// scope. An explicit client idempotency key wins; otherwise the key is derived
// from the fields that identify one purchase attempt. Concurrent or retried
// requests with the same fingerprint collapse to a single transaction.
func (r PurchaseRequest) Fingerprint(routerID string) string {
	var material string
	if r.IdempotencyKey != "" {
		material = fmt.Sprintf("%s|key|%s", routerID, r.IdempotencyKey)
	} else {
		material = fmt.Sprintf("%s|%d|%s|%s|%s",
			routerID, r.ProductID, r.CardToken,
			strings.ToLower(r.CustomerEmail), normalizeMAC(r.MACAddress))
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// normalizeMAC lowercases and canonicalizes separator characters so the same
// hardware address always produces the same fingerprint.
func normalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}
