package frontend

import (
	"encoding/binary"
	"net"
	"testing"
)

func buildStartupMessage(t *testing.T, params map[string]string) []byte {
	t.Helper()
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	return msg
}

func TestNegotiateParsesUserAndDatabase(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(buildStartupMessage(t, map[string]string{"user": "alice", "database": "app"}))
	}()

	startup, err := Negotiate(server, nil)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if startup.Username != "alice" || startup.Database != "app" {
		t.Errorf("unexpected startup result: %+v", startup)
	}
	if startup.Conn != server {
		t.Error("expected the original connection when no TLS upgrade occurred")
	}
}

func TestNegotiateDeclinesSSLWhenNoTLSConfigured(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sslReq := make([]byte, 8)
		binary.BigEndian.PutUint32(sslReq[0:4], 8)
		binary.BigEndian.PutUint32(sslReq[4:8], 80877103)
		client.Write(sslReq)

		resp := make([]byte, 1)
		client.Read(resp)
		if resp[0] != 'N' {
			t.Errorf("expected 'N' decline byte, got %q", resp[0])
		}

		client.Write(buildStartupMessage(t, map[string]string{"user": "bob", "database": "db2"}))
	}()

	startup, err := Negotiate(server, nil)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	<-done
	if startup.Username != "bob" || startup.Database != "db2" {
		t.Errorf("unexpected startup result: %+v", startup)
	}
}

func TestNegotiateRejectsOversizedLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, 999999)
		client.Write(buf)
	}()

	if _, err := Negotiate(server, nil); err == nil {
		t.Fatal("expected error for an implausibly large startup length")
	}
}
