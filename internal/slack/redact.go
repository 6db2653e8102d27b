package slack

import "regexp"

// Redactor masks secrets and account identifiers in text leaving the
// process through Slack.
type Redactor struct {
	patterns []*regexp.Regexp
}

var defaultPatterns = []*regexp.Regexp{
	// WhatsApp JIDs carry the phone number
	regexp.MustCompile(`\b\d{6,}(?::\d+)?@(?:s\.whatsapp\.net|c\.us|lid)\b`),

	// Tokens
	regexp.MustCompile(`(?i)(xox[bpa]-[a-zA-Z0-9-]+)`),
	regexp.MustCompile(`(?i)(xapp-[a-zA-Z0-9-]+)`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),

	// Pairing codes: ref,noise key,identity key,adv secret
	regexp.MustCompile(`\d@[A-Za-z0-9+/=]{10,},[A-Za-z0-9+/=]{10,},[A-Za-z0-9+/=]{10,}(?:,[A-Za-z0-9+/=]+)?`),

	// Internal/private IPs
	regexp.MustCompile(`\b(10\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`),
	regexp.MustCompile(`\b(172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3})\b`),
	regexp.MustCompile(`\b(192\.168\.\d{1,3}\.\d{1,3})\b`),
}

const redactedPlaceholder = "[REDACTED]"

// NewRedactor creates a redactor with default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: defaultPatterns,
	}
}

// AddPattern adds a custom regex pattern to the redactor.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces all sensitive matches in text with [REDACTED].
func (r *Redactor) Redact(text string) string {
	for _, p := range r.patterns {
		text = p.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// RedactMessage masks the header and body of msg in place. Button URLs
// are left alone.
func (r *Redactor) RedactMessage(msg *BlockKitMessage) {
	msg.HeaderText = r.Redact(msg.HeaderText)
	msg.BodyText = r.Redact(msg.BodyText)
}
