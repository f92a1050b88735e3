package txpipeline

import (
	"net"

	"github.com/yibit/pgagroal/internal/pgproto"
)

// DefaultRollbackWriter issues a ROLLBACK simple query. It only writes the
// request; the caller is responsible for observing the response.
type DefaultRollbackWriter struct{}

func (DefaultRollbackWriter) WriteRollback(conn net.Conn) error {
	return pgproto.WriteMessage(conn, pgproto.Query, append([]byte("ROLLBACK"), 0))
}

// DefaultClientNoticeWriter sends synthetic ErrorResponse messages straight
// to the client for conditions the backend itself never produced.
type DefaultClientNoticeWriter struct{}

func (DefaultClientNoticeWriter) WritePoolFull(conn net.Conn) error {
	_, err := conn.Write(pgproto.BuildErrorResponse("FATAL", "53300", "sorry, too many clients already"))
	return err
}

func (DefaultClientNoticeWriter) WriteClientFailover(conn net.Conn) error {
	_, err := conn.Write(pgproto.BuildErrorResponse("FATAL", "08006", "server failed over, please reconnect"))
	return err
}
