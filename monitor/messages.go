package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// TrackedMessage is one validation message tracked within the active
// application scope. Identity is the content hash of the cleaned text, so
// the same message keeps the same ID across polls even when the portal
// appends volatile row references.
type TrackedMessage struct {
	ID            string    `json:"id"`
	RawText       string    `json:"rawText"`
	CleanedText   string    `json:"cleanedText"`
	Severity      Severity  `json:"severity"`
	OriginalIndex int       `json:"originalIndex"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	DismissedOnce bool      `json:"dismissedOnce"`
}

// The portal appends reference data like "(101)" or "(Αγροτεμάχιο 12)" at
// the end of a message. Exactly one trailing group is stripped; parentheses
// elsewhere in the text stay.
var trailingRefPattern = regexp.MustCompile(`\s*\([^()]*\)\s*$`)

func CleanMessageText(raw string) string {
	return strings.TrimSpace(trailingRefPattern.ReplaceAllString(raw, ""))
}

const messageIDHexLen = 16

// MessageID derives the stable message identifier from cleaned text.
// Deterministic by construction; collisions are treated as the same message.
func MessageID(cleaned string) string {
	sum := sha256.Sum256([]byte(cleaned))
	return hex.EncodeToString(sum[:])[:messageIDHexLen]
}

// Categorize maps raw message text to a severity. Matching is
// case-insensitive and runs on the raw (pre-clean) text; the "must"/"not
// permitted" phrasings win over the informational marker.
func Categorize(raw string) Severity {
	s := strings.ToLower(raw)
	if strings.Contains(s, "πρέπει να") || strings.Contains(s, "δεν επιτρέπεται") {
		return SeverityError
	}
	if strings.Contains(s, "ενημερωτικό μήνυμα") {
		return SeverityInfo
	}
	return SeverityWarning
}
