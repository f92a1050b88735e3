// Package mgmt implements the management endpoint: an AF_UNIX socket the
// pipeline accepts one connection per message on, decoding a small fixed
// header before dispatching on message kind.
package mgmt

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

// Kind identifies a management message's payload shape.
type Kind int32

const (
	// KindClientFD carries a slot index and a client file descriptor
	// number. The transaction pipeline has no use for an injected
	// descriptor — accepting it at all exists only to keep the wire
	// protocol compatible with callers that still send it.
	KindClientFD Kind = 1
)

// Message is one decoded management request.
type Message struct {
	ID   int64
	Slot int32
	Kind Kind
	FD   int32
}

// header is (id int64, slot int32, kind int32): 16 bytes, big-endian.
const headerSize = 16

// Decode reads and parses one management message from conn. The caller is
// responsible for accepting one connection per message and closing it
// afterward — the management protocol is not a persistent session.
func Decode(conn net.Conn) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("mgmt: reading header: %w", err)
	}
	msg := Message{
		ID:   int64(binary.BigEndian.Uint64(hdr[0:8])),
		Slot: int32(binary.BigEndian.Uint32(hdr[8:12])),
		Kind: Kind(binary.BigEndian.Uint32(hdr[12:16])),
	}

	switch msg.Kind {
	case KindClientFD:
		var payload [4]byte
		if _, err := io.ReadFull(conn, payload[:]); err != nil {
			return Message{}, fmt.Errorf("mgmt: reading CLIENT_FD payload: %w", err)
		}
		msg.FD = int32(binary.BigEndian.Uint32(payload[:]))
	default:
		return Message{}, fmt.Errorf("mgmt: unknown message kind %d", msg.Kind)
	}
	return msg, nil
}

// Listener accepts management connections on an AF_UNIX socket at
// <dir>/.s.<pid>, handling exactly one message per accepted connection
// before closing it. No reply is written.
type Listener struct {
	ln     net.Listener
	path   string
	logger *slog.Logger
}

// Listen binds the management socket under dir, removing any stale socket
// file left behind by a prior process with the same PID.
func Listen(dir string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, fmt.Sprintf(".s.%d", os.Getpid()))
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("mgmt: binding %s: %w", path, err)
	}
	return &Listener{ln: ln, path: path, logger: logger}, nil
}

// Serve accepts connections until the listener is closed, logging every
// decoded CLIENT_FD message and taking no further action on it.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	msg, err := Decode(conn)
	if err != nil {
		l.logger.Debug("management message decode failed", "err", err)
		return
	}
	switch msg.Kind {
	case KindClientFD:
		l.logger.Info("received client descriptor handoff", "id", msg.ID, "slot", msg.Slot, "fd", msg.FD)
	}
}

// Close stops accepting connections and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}
