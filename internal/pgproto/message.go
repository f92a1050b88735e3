// Package pgproto implements the wire-level framing of PostgreSQL protocol
// version 3.0 messages: reading and writing single messages, the startup
// handshake, and structured parsing of ErrorResponse bodies.
package pgproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Backend/frontend message type bytes used by the transaction pipeline.
const (
	Authentication  byte = 'R'
	ErrorResponse   byte = 'E'
	NoticeResponse  byte = 'N'
	ReadyForQuery   byte = 'Z'
	Terminate       byte = 'X'
	Query           byte = 'Q'
	Parse           byte = 'P'
	ParameterStatus byte = 'S'
	BackendKeyData  byte = 'K'
	PasswordMessage byte = 'p'
)

// Authentication sub-types carried in the first 4 bytes of an
// Authentication ('R') message payload.
const (
	AuthOK                uint32 = 0
	AuthCleartextPassword uint32 = 3
	AuthMD5Password       uint32 = 5
	AuthSASL              uint32 = 10
	AuthSASLContinue      uint32 = 11
	AuthSASLFinal         uint32 = 12
)

// ProtocolVersion3 is PostgreSQL wire protocol version 3.0.
const ProtocolVersion3 = 3<<16 | 0

// SSLRequestCode is the magic number a client sends instead of a protocol
// version to request a TLS upgrade before the real startup message.
const SSLRequestCode = 80877103

// ReadMessage reads one full logical message (1-byte tag + 4-byte
// big-endian length, the length field included in itself, followed by the
// payload) from conn. It blocks until the whole message has arrived.
func ReadMessage(conn net.Conn) (tag byte, payload []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(conn, hdr[:1]); err != nil {
		return 0, nil, err
	}
	if _, err := io.ReadFull(conn, hdr[1:5]); err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(hdr[1:5])) - 4
	if msgLen < 0 || msgLen > 1<<24 {
		return 0, nil, fmt.Errorf("pgproto: invalid message length %d", msgLen)
	}
	payload = make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

// WriteMessage writes one full logical message to conn.
func WriteMessage(conn net.Conn, tag byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

// EncodeMessage returns the wire bytes of a single message without writing
// them anywhere — used to build canned responses such as a rollback query
// or a synthetic ErrorResponse.
func EncodeMessage(tag byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	return buf
}

// BuildQuery encodes a simple-query ('Q') message for the given SQL text.
func BuildQuery(sql string) []byte {
	payload := append([]byte(sql), 0)
	return EncodeMessage(Query, payload)
}

// BuildErrorResponse builds an ErrorResponse ('E') message with the given
// severity, SQLSTATE code, and human-readable message.
func BuildErrorResponse(severity, code, message string) []byte {
	var body []byte
	body = append(body, 'S')
	body = append(body, severity...)
	body = append(body, 0)
	body = append(body, 'V')
	body = append(body, severity...)
	body = append(body, 0)
	body = append(body, 'C')
	body = append(body, code...)
	body = append(body, 0)
	body = append(body, 'M')
	body = append(body, message...)
	body = append(body, 0)
	body = append(body, 0)
	return EncodeMessage(ErrorResponse, body)
}

// ParseNullTerminatedPair parses a "key\0value\0" buffer, as used by
// ParameterStatus and startup-message parameter lists.
func ParseNullTerminatedPair(data []byte) (key, value string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key = string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}
