package purchase

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

// DeriveKey correlates a payer's phone number and a pump within one time
// window. The SMS gateway and the coordinator derive the same key independently.
func DeriveKey(phone string, pumpID pump.ID, at time.Time, window time.Duration) string {
	phone = NormalizePhone(phone)
	var bucket int64
	if window > 0 {
		bucket = at.UTC().Truncate(window).Unix()
	}
	h := crypto.Keccak256Hash(
		[]byte(phone),
		[]byte{0},
		pumpID[:],
		[]byte(strconv.FormatInt(bucket, 10)),
	)
	return h.Hex()[2:34]
}

// NormalizePhone strips spacing and separators from an MSISDN.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
