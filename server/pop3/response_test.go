package pop3

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriteMessageBody(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "CRLF lines",
			input:    "Line 1\r\nLine 2\r\n",
			expected: "Line 1\r\nLine 2\r\n.\r\n",
		},
		{
			name:     "LF lines are sent with CRLF",
			input:    "Line 1\nLine 2\n",
			expected: "Line 1\r\nLine 2\r\n.\r\n",
		},
		{
			name:     "Final line without terminator is kept intact",
			input:    "Line 1\r\nLast",
			expected: "Line 1\r\nLast\r\n.\r\n",
		},
		{
			name:     "Single character line without terminator",
			input:    "x",
			expected: "x\r\n.\r\n",
		},
		{
			name:     "Dot at start of line",
			input:    ".Line 1\r\nLine 2\r\n.Line 3",
			expected: "..Line 1\r\nLine 2\r\n..Line 3\r\n.\r\n",
		},
		{
			name:     "Dot terminator in body",
			input:    "Line 1\r\n.\r\nLine 2\r\n",
			expected: "Line 1\r\n..\r\nLine 2\r\n.\r\n",
		},
		{
			name:     "Dot in middle of line",
			input:    "This is a . in the middle\r\n",
			expected: "This is a . in the middle\r\n.\r\n",
		},
		{
			name:     "Empty lines are preserved",
			input:    "Subject: x\r\n\r\nbody\r\n",
			expected: "Subject: x\r\n\r\nbody\r\n.\r\n",
		},
		{
			name:     "Bare CR inside a line is content",
			input:    "a\rb\r\n",
			expected: "a\rb\r\n.\r\n",
		},
		{
			name:     "Empty message",
			input:    "",
			expected: ".\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			n, err := writeMessageBody(&out, strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("writeMessageBody() error = %v", err)
			}
			if out.String() != tt.expected {
				t.Errorf("writeMessageBody() = %q, want %q", out.String(), tt.expected)
			}
			if n != int64(len(tt.input)) {
				t.Errorf("writeMessageBody() read %d octets, want %d", n, len(tt.input))
			}
		})
	}
}

type failingReader struct {
	data string
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("storage went away")
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestWriteMessageBodySourceError(t *testing.T) {
	var out bytes.Buffer
	_, err := writeMessageBody(&out, &failingReader{data: "partial line\r\nand more"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, errClientWrite) {
		t.Errorf("source failure reported as client write failure: %v", err)
	}
	if strings.HasSuffix(out.String(), ".\r\n") {
		t.Errorf("terminator must not be sent after a failure, got %q", out.String())
	}
}

func BenchmarkWriteMessageBody(b *testing.B) {
	var input strings.Builder
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			input.WriteString(".Line with dot at start\r\n")
		} else {
			input.WriteString("Regular line without dot at start\r\n")
		}
	}
	body := input.String()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var out bytes.Buffer
		writeMessageBody(&out, strings.NewReader(body))
	}
}
