// Package bounce classifies remote server responses into the bounce
// categories that drive suppression and retry decisions.
package bounce

import "strings"

// Type is the classified bounce category.
type Type string

const (
	// None means the response was not a bounce (delivered).
	None Type = ""
	// Hard means the address is permanently undeliverable.
	Hard Type = "hard"
	// Block means the remote refused for policy or reputation reasons.
	Block Type = "block"
	// Soft means a temporary condition; the message should be retried.
	Soft Type = "soft"
)

// Signal patterns are matched case-insensitively against the raw server
// text. Hard signals identify addresses that can never succeed; block
// signals identify policy refusals that hurt sender reputation if
// retried. Anything else on a 4xx or timeout is soft.
var (
	hardPatterns = []string{
		"user unknown",
		"unknown user",
		"no such user",
		"user not found",
		"recipient not found",
		"recipient rejected",
		"mailbox unavailable",
		"mailbox not found",
		"mailbox does not exist",
		"invalid recipient",
		"address rejected",
		"domain not found",
		"no such domain",
		"does not exist",
	}

	blockPatterns = []string{
		"blocked",
		"blacklist",
		"black list",
		"denylist",
		"spam",
		"policy violation",
		"policy reasons",
		"reputation",
		"prohibited",
		"banned",
		"access denied",
		"rejected due to policy",
		"listed at",
	}
)

// Classify maps an SMTP status code and server text to a bounce type.
// A zero code means a connection-level failure (dial error, timeout),
// which is always soft: the next MX or the next attempt may succeed.
func Classify(code int, text string) Type {
	lower := strings.ToLower(text)

	switch {
	case code >= 200 && code < 300:
		return None
	case code >= 500:
		for _, p := range blockPatterns {
			if strings.Contains(lower, p) {
				return Block
			}
		}
		for _, p := range hardPatterns {
			if strings.Contains(lower, p) {
				return Hard
			}
		}
		// 5xx with unrecognized text: the remote said permanent, so a
		// retry cannot help; treat as hard.
		return Hard
	default:
		// 4xx and connection-level failures. Some servers hand out
		// policy refusals on 4xx codes to force greylisting behavior;
		// those still classify as block only when the text is explicit.
		for _, p := range blockPatterns {
			if strings.Contains(lower, p) {
				return Block
			}
		}
		return Soft
	}
}

// Suppresses reports whether this bounce type creates a permanent
// suppression entry.
func (t Type) Suppresses() bool {
	return t == Hard || t == Block
}

// Retryable reports whether a delivery with this bounce type should be
// rescheduled.
func (t Type) Retryable() bool {
	return t == Soft
}
