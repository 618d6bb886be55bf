package transport

import "strings"

// IsTopicFilterMatch checks if a topic name matches an MQTT topic filter.
func IsTopicFilterMatch(topicFilter, topicName string) bool {
	filters := strings.Split(topicFilter, "/")
	names := strings.Split(topicName, "/")

	for i, filter := range filters {
		if filter == "#" {
			// Multi-level wildcard must be at the end.
			return i == len(filters)-1
		}
		if filter == "+" {
			if i >= len(names) {
				return false
			}
			continue
		}
		if i >= len(names) || filter != names[i] {
			return false
		}
	}

	return len(filters) == len(names)
}
