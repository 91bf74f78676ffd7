package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// VERP encodes the message id into the envelope return path so that
// asynchronous bounces route back to the originating message without
// parsing DSN bodies. The embedded MAC rejects forged bounce addresses.
type VERP struct {
	BounceDomain string
	Secret       []byte
}

// ErrBadReturnPath means a bounce recipient did not carry a valid
// return-path encoding.
var ErrBadReturnPath = errors.New("invalid bounce return path")

const macLen = 12 // hex chars of truncated HMAC-SHA256

// ReturnPath builds the envelope sender for a message:
// bounce+<message-id>+<mac>@<bounce-domain>.
func (v *VERP) ReturnPath(messageID string) string {
	return fmt.Sprintf("bounce+%s+%s@%s", messageID, v.mac(messageID), v.BounceDomain)
}

// ParseReturnPath extracts and authenticates the message id from a
// bounce recipient address. The MAC is split off at the last separator
// so message ids containing "+" survive the round trip.
func (v *VERP) ParseReturnPath(addr string) (string, error) {
	local, domain, ok := strings.Cut(strings.ToLower(strings.TrimSpace(addr)), "@")
	if !ok || domain != strings.ToLower(v.BounceDomain) {
		return "", ErrBadReturnPath
	}

	rest, ok := strings.CutPrefix(local, "bounce+")
	if !ok {
		return "", ErrBadReturnPath
	}
	sep := strings.LastIndex(rest, "+")
	if sep <= 0 {
		return "", ErrBadReturnPath
	}
	messageID, mac := rest[:sep], rest[sep+1:]
	if len(mac) != macLen {
		return "", ErrBadReturnPath
	}

	if !hmac.Equal([]byte(mac), []byte(v.mac(messageID))) {
		return "", ErrBadReturnPath
	}
	return messageID, nil
}

func (v *VERP) mac(messageID string) string {
	h := hmac.New(sha256.New, v.Secret)
	h.Write([]byte(messageID))
	return hex.EncodeToString(h.Sum(nil))[:macLen]
}
