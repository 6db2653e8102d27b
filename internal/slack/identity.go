package slack

// Identity defines how alerts appear in Slack.
type Identity struct {
	DisplayName string // e.g., "wabridge"
	IconEmoji   string // e.g., ":iphone:"
}

// DefaultIdentity returns the identity used when none is configured.
func DefaultIdentity() Identity {
	return Identity{
		DisplayName: "wabridge",
		IconEmoji:   ":iphone:",
	}
}
