package pop3

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

const DefaultMaxLineLength = 1024

// ErrLineTooLong is returned by ReadLine when a client line exceeds the
// limit. The rest of the line has been discarded.
var ErrLineTooLong = errors.New("line too long")

// LineReadWriter is the transport a Session talks through.
type LineReadWriter interface {
	// ReadLine returns the next line without its terminator, io.EOF at
	// end of stream, or ErrLineTooLong.
	ReadLine() (string, error)
	io.Writer
	Flush() error
}

// textConn frames a net.Conn into lines of bounded length.
type textConn struct {
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	idleTimeout time.Duration
}

func newTextConn(conn net.Conn, maxLineLength int, idleTimeout time.Duration) *textConn {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &textConn{
		conn: conn,
		// Room for the line plus CRLF.
		r:           bufio.NewReaderSize(conn, maxLineLength+2),
		w:           bufio.NewWriter(conn),
		idleTimeout: idleTimeout,
	}
}

func (c *textConn) ReadLine() (string, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return "", err
		}
	}

	line, err := c.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = c.r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", ErrLineTooLong
	}
	if err != nil {
		// A partial line at end of stream is dropped.
		return "", err
	}

	s := strings.TrimSuffix(string(line), "\n")
	return strings.TrimSuffix(s, "\r"), nil
}

// Write buffers p. The write deadline is refreshed on every call because
// a full buffer flushes implicitly.
func (c *textConn) Write(p []byte) (int, error) {
	if err := c.refreshWriteDeadline(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func (c *textConn) Flush() error {
	if err := c.refreshWriteDeadline(); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *textConn) refreshWriteDeadline() error {
	if c.idleTimeout <= 0 {
		return nil
	}
	return c.conn.SetWriteDeadline(time.Now().Add(c.idleTimeout))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
