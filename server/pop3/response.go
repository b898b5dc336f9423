package pop3

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Response texts.
const (
	msgGreeting        = "+OK POP3 server ready"
	msgGoodbye         = "+OK quit received. Goodbye."
	msgInternalError   = "-ERR internal server error"
	msgReleaseFailed   = "-ERR some deleted messages not removed"
	msgLineTooLong     = "-ERR line too long"
	msgIdleTimeout     = "-ERR connection timed out due to inactivity"
	msgShuttingDown    = "-ERR server shutting down, please reconnect"
	msgTooManyConns    = "-ERR [SYS/TEMP] too many connections"
	msgMessageFollows  = "+OK message follows"
	msgNoSuchMessage   = "-ERR no such message"
	msgAlreadyAuthed   = "-ERR already authenticated"
	msgNotAuthedFormat = "-ERR command %s not valid before authentication"
)

// errClientWrite marks a failure writing to the client, as opposed to a
// failure reading the message source.
var errClientWrite = errors.New("client write failed")

// writeMessageBody copies the message in r to w one line at a time.
// Only a real line terminator ("\n" with an optional preceding "\r") is
// removed from each source line; every output line ends in CRLF. Lines
// starting with "." are byte-stuffed and the response is closed with a
// lone ".". It returns the number of content octets read from r.
func writeMessageBody(w io.Writer, r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var read int64

	for {
		line, err := br.ReadString('\n')
		read += int64(len(line))

		if len(line) > 0 {
			content := line
			if content[len(content)-1] == '\n' {
				content = content[:len(content)-1]
				if n := len(content); n > 0 && content[n-1] == '\r' {
					content = content[:n-1]
				}
			}
			if len(content) > 0 && content[0] == '.' {
				content = "." + content
			}
			if _, werr := io.WriteString(w, content+"\r\n"); werr != nil {
				return read, fmt.Errorf("%w: %v", errClientWrite, werr)
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return read, err
		}
	}

	if _, err := io.WriteString(w, ".\r\n"); err != nil {
		return read, fmt.Errorf("%w: %v", errClientWrite, err)
	}
	return read, nil
}
