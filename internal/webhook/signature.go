// Package webhook receives Paystack event deliveries: verifies their
// HMAC signatures and applies charge and transfer events to payments
// and payouts.
package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"rentledger/internal/domain"
)

// ErrSignatureMismatch means the signature was well-formed but did not
// match the payload under the configured key.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

const signaturePrefix = "sha512="

// VerifySignature checks a hex-encoded HMAC-SHA512 signature against
// the payload. The HMAC is tried over the reserialized JSON body first,
// then over the raw bytes, because senders differ on which form they
// sign. Comparison is constant-time either way.
func VerifySignature(secret string, body []byte, signature string) error {
	sig := strings.ToLower(strings.TrimSpace(signature))
	sig = strings.TrimPrefix(sig, signaturePrefix)

	if len(sig) != hex.EncodedLen(sha512.Size) {
		return domain.E(domain.CodeSignatureInvalidFormat, "signature must be 128 hex characters")
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return domain.E(domain.CodeSignatureInvalidFormat, "signature is not valid hex")
	}

	key := []byte(secret)
	if compact, err := reserialize(body); err == nil {
		if hmac.Equal(sign(key, compact), want) {
			return nil
		}
	}
	if hmac.Equal(sign(key, body), want) {
		return nil
	}
	return ErrSignatureMismatch
}

// reserialize round-trips the body through the JSON encoder, producing
// the canonical compact form some senders compute their HMAC over.
func reserialize(body []byte) ([]byte, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func sign(key, payload []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}
