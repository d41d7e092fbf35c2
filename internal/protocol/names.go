package protocol

import "regexp"

// eventNameRE bounds emitted event names to a safe identifier alphabet.
var eventNameRE = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidEventName reports whether name is acceptable for event emission.
func ValidEventName(name string) bool {
	return eventNameRE.MatchString(name)
}
