package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yibit/pgagroal/internal/adminapi"
	"github.com/yibit/pgagroal/internal/config"
	"github.com/yibit/pgagroal/internal/frontend"
	"github.com/yibit/pgagroal/internal/health"
	"github.com/yibit/pgagroal/internal/metrics"
	"github.com/yibit/pgagroal/internal/mgmt"
	"github.com/yibit/pgagroal/internal/slotpool"
	"github.com/yibit/pgagroal/internal/txpipeline"
)

func main() {
	configPath := flag.String("config", "configs/pgagroal.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgagroal starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d servers)", *configPath, len(cfg.Servers))

	m := metrics.New()
	broker := slotpool.New(*cfg, slog.Default())
	hc := health.NewChecker(cfg.Servers, 10*time.Second, 3, 5*time.Second, m, slog.Default())

	broker.StartStatsLoop(5*time.Second, m)
	hc.Start()

	var tlsConfig *tls.Config
	if cfg.Listen.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Printf("WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
		} else {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			log.Printf("TLS enabled (cert: %s)", cfg.Listen.TLSCert)
		}
	}

	mgmtListener, err := mgmt.Listen(cfg.Listen.UnixSocketDir, slog.Default())
	if err != nil {
		log.Fatalf("failed to start management endpoint: %v", err)
	}
	go mgmtListener.Serve()

	adminServer := adminapi.NewServer(broker, hc, m)
	if err := adminServer.Start(cfg.Listen.APIBind, cfg.Listen.APIPort); err != nil {
		log.Fatalf("failed to start admin API: %v", err)
	}

	srv := newServer(broker, m, tlsConfig, cfg.Pool.AcquireTimeout)
	if err := srv.listen(cfg.Listen.PostgresPort); err != nil {
		log.Fatalf("failed to start postgres listener: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("configuration reload received — not applied; running components keep the configuration loaded at startup")
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgagroal ready - PG:%d API:%d", cfg.Listen.PostgresPort, cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	srv.stop()
	adminServer.Stop()
	mgmtListener.Close()
	hc.Stop()
	broker.Close()

	log.Printf("pgagroal stopped")
}

// server accepts PostgreSQL client connections and drives each through the
// frontend startup negotiation and a txpipeline.Worker.
type server struct {
	broker         txpipeline.SlotBroker
	metrics        txpipeline.Metrics
	tlsConfig      *tls.Config
	acquireTimeout time.Duration

	ln     net.Listener
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func newServer(broker txpipeline.SlotBroker, m txpipeline.Metrics, tlsConfig *tls.Config, acquireTimeout time.Duration) *server {
	ctx, cancel := context.WithCancel(context.Background())
	return &server{broker: broker, metrics: m, tlsConfig: tlsConfig, acquireTimeout: acquireTimeout, ctx: ctx, cancel: cancel}
}

func (s *server) listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.ln = ln
	log.Printf("PostgreSQL pipeline listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

func (s *server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *server) handleConnection(conn net.Conn) {
	defer conn.Close()

	startup, err := frontend.Negotiate(conn, s.tlsConfig)
	if err != nil {
		log.Printf("startup negotiation failed: %v", err)
		return
	}

	worker := txpipeline.NewWorker(
		startup.Conn,
		startup.Username,
		startup.Database,
		s.broker,
		txpipeline.DefaultRollbackWriter{},
		txpipeline.DefaultClientNoticeWriter{},
		s.metrics,
		true,
		slog.Default(),
	)

	ctx, cancel := context.WithTimeout(s.ctx, s.acquireTimeout)
	err = worker.Start(ctx)
	cancel()
	if err != nil {
		log.Printf("worker start failed: %v", err)
		return
	}

	term := worker.Run(s.ctx)
	slog.Debug("worker finished", "termination", term.String())
}

func (s *server) stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}
