package pop3

import (
	"errors"
	"strconv"
	"strings"
)

var errInvalidMessageNumber = errors.New("invalid message number")

// parseCommand splits a command line into an upper-cased verb and the
// argument that follows the first space. The argument is kept verbatim.
func parseCommand(line string) (verb, arg string) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// parseMessageNumber accepts a positive decimal message number.
func parseMessageNumber(arg string) (int, error) {
	if arg == "" {
		return 0, errInvalidMessageNumber
	}
	for i := 0; i < len(arg); i++ {
		if arg[i] < '0' || arg[i] > '9' {
			return 0, errInvalidMessageNumber
		}
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, errInvalidMessageNumber
	}
	return n, nil
}
