// Package transport implements the server side of the minimal D-Bus SASL
// handshake. github.com/godbus/dbus/v5 is a client-only library — it has
// no broker role — so the listener must speak this handful of
// line-oriented commands itself before handing the connection to godbus
// for ordinary binary message framing.
package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
)

// ServerGUID is the fixed server identifier this proxy presents during
// the SASL handshake. A single static value is fine: nothing in the
// D-Bus protocol or any client library treats it as meaningful beyond
// "a 32 hex digit token unique to this listening socket's lifetime", and
// this proxy only ever serves one logical broker.
const ServerGUID = "746865726567617264656e70726f7879"

// bufferedConn adapts a net.Conn plus the bufio.Reader used to read the
// SASL handshake into an io.ReadWriteCloser, so that any bytes the client
// pipelined immediately after "BEGIN\r\n" are not lost when the
// connection is handed off to the binary message layer.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// Accept performs the server-role SASL handshake over conn: the leading
// NUL byte, an AUTH exchange accepting EXTERNAL or ANONYMOUS unconditionally
// (per spec.md §4.1, "accepts any local peer regardless of user id"), an
// optional NEGOTIATE_UNIX_FD round (always declined — this proxy does not
// forward file descriptors), and a terminating BEGIN. On success it
// returns an io.ReadWriteCloser positioned exactly at the start of the
// binary message stream, ready for dbus.NewConn.
func Accept(conn net.Conn) (io.ReadWriteCloser, error) {
	r := bufio.NewReader(conn)

	lead := make([]byte, 1)
	if _, err := io.ReadFull(r, lead); err != nil {
		return nil, &HandshakeError{Err: fmt.Errorf("reading leading NUL byte: %w", err)}
	}
	if lead[0] != 0 {
		return nil, &HandshakeError{Err: fmt.Errorf("expected leading NUL byte, got %#x", lead[0])}
	}

	if err := authenticate(conn, r); err != nil {
		return nil, err
	}

	return &bufferedConn{Conn: conn, r: r}, nil
}

func authenticate(conn net.Conn, r *bufio.Reader) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return &HandshakeError{Err: fmt.Errorf("reading AUTH line: %w", err)}
		}

		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "AUTH" {
			return &HandshakeError{Err: fmt.Errorf("expected AUTH, got %q", line)}
		}
		if len(fields) < 2 {
			// Bare "AUTH" queries mechanisms; reject to make the client
			// retry with an explicit mechanism.
			if err := writeLine(conn, "REJECTED EXTERNAL ANONYMOUS"); err != nil {
				return &HandshakeError{Err: err}
			}
			continue
		}

		switch fields[1] {
		case "EXTERNAL", "ANONYMOUS":
			if err := writeLine(conn, "OK "+ServerGUID); err != nil {
				return &HandshakeError{Err: err}
			}
		default:
			if err := writeLine(conn, "REJECTED EXTERNAL ANONYMOUS"); err != nil {
				return &HandshakeError{Err: err}
			}
			continue
		}
		break
	}

	return finishNegotiation(conn, r)
}

func finishNegotiation(conn net.Conn, r *bufio.Reader) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return &HandshakeError{Err: fmt.Errorf("reading post-OK line: %w", err)}
		}
		switch {
		case line == "BEGIN":
			return nil
		case line == "NEGOTIATE_UNIX_FD":
			if err := writeLine(conn, "ERROR"); err != nil {
				return &HandshakeError{Err: err}
			}
		default:
			if err := writeLine(conn, "ERROR"); err != nil {
				return &HandshakeError{Err: err}
			}
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeLine(w io.Writer, s string) error {
	_, err := w.Write([]byte(s + "\r\n"))
	return err
}

// ExternalAuthHex hex-encodes uid as the EXTERNAL mechanism's identity
// argument, for tests that need to act as a SASL client against Accept.
func ExternalAuthHex(uid int) string {
	return hex.EncodeToString([]byte(fmt.Sprintf("%d", uid)))
}
