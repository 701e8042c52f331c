package transport

import "strings"

// MatchTopic reports whether an MQTT topic matches a subscription
// pattern. `+` matches exactly one level, a trailing `#` matches the
// remaining levels (including none).
func MatchTopic(pattern, topic string) bool {
	if !strings.ContainsAny(pattern, "+#") {
		return pattern == topic
	}

	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	if patternParts[len(patternParts)-1] == "#" {
		patternParts = patternParts[:len(patternParts)-1]
		if len(topicParts) < len(patternParts) {
			return false
		}
		topicParts = topicParts[:len(patternParts)]
	} else if len(topicParts) != len(patternParts) {
		return false
	}

	for i, p := range patternParts {
		if p != "+" && p != topicParts[i] {
			return false
		}
	}
	return true
}
