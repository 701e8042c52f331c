package presence

import (
	"encoding/json"
	"fmt"
	"strings"
)

// statusPayload covers every JSON shape devices are known to publish.
// Older firmware sends keychain flags, newer firmware a status word or
// an explicit present boolean.
type statusPayload struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Present  *bool  `json:"present"`
	Keychain *bool  `json:"keychain_connected"`
	Event    string `json:"event"`
}

// parsePresence normalizes a raw payload to a presence state. JSON
// objects are tried first, then the payload as a bare status word.
func parsePresence(payload []byte) (present bool, ok bool) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return false, false
	}

	if trimmed[0] == '{' {
		var p statusPayload
		if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
			return false, false
		}
		if p.Present != nil {
			return *p.Present, true
		}
		if p.Keychain != nil {
			return *p.Keychain, true
		}
		if p.Status != "" {
			return statusWord(p.Status)
		}
		if p.Event != "" {
			return statusWord(p.Event)
		}
		return statusWord(p.Type)
	}

	return statusWord(trimmed)
}

// statusWord maps a bare status token to a presence state.
func statusWord(s string) (present bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "present", "true", "online", "connected", "keychain_connected", "entered":
		return true, true
	case "away", "absent", "false", "offline", "disconnected", "keychain_disconnected", "exited", "left":
		return false, true
	default:
		return false, false
	}
}

// beaconIDFromTopic extracts the beacon identifier from a topic shaped
// consultdesk/beacon/<beacon-id>/<action>.
func beaconIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != "beacon" || parts[2] == "" {
		return "", fmt.Errorf("unexpected beacon topic %q", topic)
	}
	return parts[2], nil
}
