package pgproto

import (
	"encoding/binary"
	"fmt"
	"net"
)

// PerformHandshake sends a startup message for user/database over conn and
// drives the authentication challenge to completion using password,
// authenticating the connection with the mode implied by whatever the
// server challenges with (cleartext, MD5, or SCRAM-SHA-256). It returns the
// ParameterStatus/BackendKeyData state collected before ReadyForQuery.
func PerformHandshake(conn net.Conn, user, database, password string) (*HandshakeResult, error) {
	if _, err := conn.Write(BuildStartupMessage(user, database)); err != nil {
		return nil, fmt.Errorf("sending startup message: %w", err)
	}

	res := &HandshakeResult{Params: make(map[string]string)}

	for {
		tag, payload, err := ReadMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("reading message: %w", err)
		}

		switch tag {
		case Authentication:
			if len(payload) < 4 {
				return nil, fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case AuthOK:
				continue
			case AuthCleartextPassword:
				if err := SendPasswordMessage(conn, password); err != nil {
					return nil, err
				}
			case AuthMD5Password:
				if len(payload) < 8 {
					return nil, fmt.Errorf("MD5 auth message too short")
				}
				salt := payload[4:8]
				if err := SendPasswordMessage(conn, ComputeMD5Password(user, password, salt)); err != nil {
					return nil, err
				}
			case AuthSASL:
				if err := SCRAMSHA256Auth(conn, user, password, payload); err != nil {
					return nil, fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return nil, fmt.Errorf("unsupported auth type: %d", authType)
			}

		case ParameterStatus:
			key, val := ParseNullTerminatedPair(payload)
			if key != "" {
				res.Params[key] = val
			}

		case BackendKeyData:
			if len(payload) >= 8 {
				res.BackendPID = binary.BigEndian.Uint32(payload[:4])
				res.BackendKey = binary.BigEndian.Uint32(payload[4:8])
			}

		case ReadyForQuery:
			if len(payload) >= 1 && payload[0] == 'I' {
				return res, nil
			}
			return nil, fmt.Errorf("unexpected transaction status after auth: %c", payload[0])

		case ErrorResponse:
			return nil, &ErrServerAuthFailed{Fields: ParseErrorFields(payload)}

		default:
			continue
		}
	}
}
