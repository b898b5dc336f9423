// Package pop3 implements the POP3 maildrop server.
//
// A session moves from AUTHORIZATION to TRANSACTION on a successful
// USER/PASS exchange and never back:
//
//	AUTHORIZATION: USER, PASS, QUIT
//	TRANSACTION:   STAT, NOOP, LIST, RETR, DELE, RSET, QUIT
//
// Commands are dispatched through a table keyed by state and verb. A verb
// that belongs to the other state is refused with a state error, anything
// else with "command not recognized". Every error leaves the session in the
// state it was in.
//
// # Mailboxes
//
// Mail storage is reached through the Backend, Mailbox and Message
// interfaces; the mailstore package provides the implementation used by
// cmd/maildrop. Message numbers are fixed for the whole session: DELE only
// marks a message, RSET clears all marks. Marks become permanent when the
// mailbox is released, which happens on QUIT and also when the client
// disconnects without QUIT.
//
// # Running a server
//
//	srv, err := pop3.New(ctx, "pop3", "mail.example.com", ":110", store, pop3.POP3ServerOptions{
//		MaxConnections: 500,
//		CommandTimeout: 5 * time.Minute,
//	})
//	if err != nil {
//		return err
//	}
//	go srv.Start(errChan)
//	defer srv.Close()
package pop3
