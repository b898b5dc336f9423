package pop3

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line     string
		wantVerb string
		wantArg  string
	}{
		{"USER alice", "USER", "alice"},
		{"user alice", "USER", "alice"},
		{"StAt", "STAT", ""},
		{"LIST\r\n", "LIST", ""},
		{"RETR 1\r\n", "RETR", "1"},
		{"RETR 1\n", "RETR", "1"},
		{"PASS correct horse battery", "PASS", "correct horse battery"},
		{"USER  alice", "USER", " alice"},
		{"USER ", "USER", ""},
		{"", "", ""},
		{"US", "US", ""},
		{"USERX alice", "USERX", "alice"},
		{"TOP 1 10", "TOP", "1 10"},
	}

	for _, tt := range tests {
		verb, arg := parseCommand(tt.line)
		assert.Equal(t, tt.wantVerb, verb, "verb of %q", tt.line)
		assert.Equal(t, tt.wantArg, arg, "argument of %q", tt.line)
	}
}

func TestParseMessageNumber(t *testing.T) {
	valid := map[string]int{"1": 1, "42": 42, "007": 7}
	for arg, want := range valid {
		n, err := parseMessageNumber(arg)
		assert.NoError(t, err, arg)
		assert.Equal(t, want, n, arg)
	}

	for _, arg := range []string{"", "0", "-1", "+1", "1a", " 1", "1 ", "one", "99999999999999999999999"} {
		_, err := parseMessageNumber(arg)
		assert.ErrorIs(t, err, errInvalidMessageNumber, "%q", arg)
	}
}
