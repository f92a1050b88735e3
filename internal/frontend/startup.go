// Package frontend handles the part of a client connection that exists
// before a txpipeline.Worker takes over: the optional TLS upgrade and the
// startup message that carries the username and database the client is
// connecting as.
package frontend

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/yibit/pgagroal/internal/pgproto"
)

// maxSSLAttempts bounds the SSLRequest/real-startup retry loop so a client
// that keeps asking for TLS can't spin the frontend forever.
const maxSSLAttempts = 3

// Startup is the result of negotiating a client connection up to the
// point a transaction pipeline worker can be constructed for it.
type Startup struct {
	Conn     net.Conn
	Username string
	Database string
}

// Negotiate reads (and upgrades, if requested and configured) the startup
// message off conn, looping through any SSLRequest messages first. It
// returns the connection the rest of the pipeline should use — which may
// be a *tls.Conn wrapping the original — along with the username and
// database the client asked for.
func Negotiate(conn net.Conn, tlsConfig *tls.Config) (*Startup, error) {
	current := conn

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(current, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf[:]))
		if msgLen < 8 || msgLen > 10000 {
			return nil, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		body := make([]byte, msgLen-4)
		if _, err := io.ReadFull(current, body); err != nil {
			return nil, fmt.Errorf("reading startup body: %w", err)
		}

		protoVersion := binary.BigEndian.Uint32(body[:4])
		if protoVersion == pgproto.SSLRequestCode {
			if tlsConfig != nil {
				if _, err := current.Write([]byte{'S'}); err != nil {
					return nil, fmt.Errorf("acking SSLRequest: %w", err)
				}
				tlsConn := tls.Server(current, tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return nil, fmt.Errorf("TLS handshake: %w", err)
				}
				current = tlsConn
			} else if _, err := current.Write([]byte{'N'}); err != nil {
				return nil, fmt.Errorf("declining SSLRequest: %w", err)
			}
			continue
		}

		params := parseStartupParams(body[4:])
		return &Startup{Conn: current, Username: params["user"], Database: params["database"]}, nil
	}

	return nil, fmt.Errorf("client exceeded %d SSLRequest attempts", maxSSLAttempts)
}

func parseStartupParams(data []byte) map[string]string {
	params := make(map[string]string)
	for len(data) > 1 {
		key, rest := readCString(data)
		if rest == nil {
			break
		}
		value, rest2 := readCString(rest)
		if rest2 == nil {
			break
		}
		params[key] = value
		data = rest2
	}
	return params
}

// readCString splits off one null-terminated string, returning it and the
// data following the terminator, or nil if no terminator was found.
func readCString(data []byte) (string, []byte) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:]
		}
	}
	return "", nil
}
