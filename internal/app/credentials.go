package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

// credentialCharset omits easily-confused characters (0/O, 1/I/L) since
// customers type these by hand on a captive portal.
const credentialCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// deriveCredential builds the credential for a transaction. The username and
// password are derived from the transaction id, so a retried provisioning call
// produces the identical credential and the device either already has it or
// creates it.
func deriveCredential(tx domain.Transaction, product domain.Product) domain.CredentialSpec {
	sum := deriveBytes(tx.ID)

	spec := domain.CredentialSpec{
		Profile:   product.ProfileName,
		ExpiresAt: time.Now().UTC().Add(time.Duration(product.ValidityHours) * time.Hour),
	}

	switch product.CredentialStyle {
	case domain.StylePIN:
		pin := digits(sum[:6])
		spec.Username = pin
		spec.Password = pin
	default:
		spec.Username = charset(sum[:6])
		spec.Password = digits(sum[6:10])
	}
	return spec
}

func deriveBytes(txID string) []byte {
	mac := hmac.New(sha256.New, []byte(txID))
	mac.Write([]byte("hotspot-credential"))
	return mac.Sum(nil)
}

func charset(b []byte) string {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = credentialCharset[int(v)%len(credentialCharset)]
	}
	return string(out)
}

func digits(b []byte) string {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = '0' + v%10
	}
	return string(out)
}
