package health

import (
	"net"
	"testing"
	"time"

	"github.com/yibit/pgagroal/internal/config"
)

type fakeRecorder struct {
	calls []string
}

func (f *fakeRecorder) SetServerHealth(server string, healthy bool) {
	status := "unhealthy"
	if healthy {
		status = "healthy"
	}
	f.calls = append(f.calls, server+":"+status)
}

func TestCheckerMarksUnreachableServerUnhealthyAfterThreshold(t *testing.T) {
	rec := &fakeRecorder{}
	servers := []config.ServerConfig{
		{Name: "down", Host: "127.0.0.1", Port: 1}, // port 1 refuses immediately on most systems
	}
	c := NewChecker(servers, time.Hour, 1, 50*time.Millisecond, rec, nil)

	c.checkAll()

	status := c.GetStatus("down")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy status, got %v", status.Status)
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerMarksRespondingServerHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1)
		conn.Read(buf) // consume a byte of the startup message
		conn.Write([]byte{'R'})
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	rec := &fakeRecorder{}
	servers := []config.ServerConfig{{Name: "up", Host: host, Port: port}}
	c := NewChecker(servers, time.Hour, 1, time.Second, rec, nil)

	c.checkAll()

	if status := c.GetStatus("up"); status.Status != StatusHealthy {
		t.Errorf("expected healthy status, got %v (err=%s)", status.Status, status.LastError)
	}
	if !c.IsHealthy("up") {
		t.Error("IsHealthy should report true")
	}
	if !c.OverallHealthy() {
		t.Error("OverallHealthy should report true with only healthy servers")
	}
}

func TestCheckerUnprobedServerIsHealthyByDefault(t *testing.T) {
	c := NewChecker(nil, time.Hour, 1, time.Second, nil, nil)
	if !c.IsHealthy("never-checked") {
		t.Error("an unprobed server should be treated as healthy")
	}
	if status := c.GetStatus("never-checked"); status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}
