package pgproto

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
)

// BuildStartupMessage builds a PostgreSQL startup message (no type byte —
// the startup message is the one PG message that omits it) for the given
// user and database.
func BuildStartupMessage(user, database string) []byte {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, ProtocolVersion3)
	body = append(body, ver...)

	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, user...)
	body = append(body, 0)

	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, database...)
	body = append(body, 0)

	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	return append(msgLen, body...)
}

// SendPasswordMessage sends a PG password message ('p').
func SendPasswordMessage(conn net.Conn, password string) error {
	return WriteMessage(conn, PasswordMessage, append([]byte(password), 0))
}

// ComputeMD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(md5(password + user) + salt).
func ComputeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// HandshakeResult carries the state collected while driving a backend
// startup/auth exchange to completion.
type HandshakeResult struct {
	Params     map[string]string
	BackendPID uint32
	BackendKey uint32
}

// ErrServerAuthFailed wraps an ErrorResponse seen during the startup
// handshake, with its parsed fields available for FATAL/PANIC checks.
type ErrServerAuthFailed struct {
	Fields ErrorFields
}

func (e *ErrServerAuthFailed) Error() string {
	return fmt.Sprintf("backend error during auth: %s", e.Fields.Message())
}
