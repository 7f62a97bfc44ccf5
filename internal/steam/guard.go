package steam

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// guardAlphabet is Steam's code alphabet. It omits visually ambiguous
// characters (0/O, 1/I, etc), so standard TOTP libraries cannot produce
// compatible codes.
const guardAlphabet = "23456789BCDFGHJKMNPQRTVWXY"

const guardCodeLength = 5

// GuardCode derives the 5-character Steam Guard code for the given shared
// secret at time t. The secret is the base64 seed from the authenticator
// enrollment, not a standard TOTP secret.
func GuardCode(sharedSecret string, t time.Time) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return "", fmt.Errorf("decode shared secret: %w", err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.Unix()/30))

	mac := hmac.New(sha1.New, seed)
	mac.Write(buf[:])
	digest := mac.Sum(nil)

	// Dynamic truncation per RFC 4226, then repeated modulo over the
	// Steam alphabet instead of decimal digits.
	offset := digest[len(digest)-1] & 0x0f
	code := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7fffffff

	out := make([]byte, guardCodeLength)
	for i := range out {
		out[i] = guardAlphabet[code%uint32(len(guardAlphabet))]
		code /= uint32(len(guardAlphabet))
	}
	return string(out), nil
}

// ConfirmationKey derives the base64 confirmation hash for mobile
// confirmations. Tag is "conf", "allow", or "cancel" depending on the action.
func ConfirmationKey(identitySecret string, t time.Time, tag string) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(identitySecret)
	if err != nil {
		return "", fmt.Errorf("decode identity secret: %w", err)
	}

	msg := make([]byte, 8, 8+len(tag))
	binary.BigEndian.PutUint64(msg, uint64(t.Unix()))
	msg = append(msg, tag...)

	mac := hmac.New(sha1.New, seed)
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
