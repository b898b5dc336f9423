package helpers

import "strings"

// MaskSensitive redacts the argument of a command line when the verb is one
// of sensitiveCommands, e.g. "PASS hunter2" becomes "PASS [REDACTED]".
func MaskSensitive(line string, sensitiveCommands ...string) string {
	verb, rest, hasArg := strings.Cut(strings.TrimSpace(line), " ")
	if !hasArg || rest == "" {
		return line
	}
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(verb, cmd) {
			return verb + " [REDACTED]"
		}
	}
	return line
}
