package txpipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/yibit/pgagroal/internal/framing"
	"github.com/yibit/pgagroal/internal/pgproto"
)

// serverReadBufferSize bounds a single raw read off a backend connection.
// Messages larger than this simply arrive across more than one chunk; the
// framing tracker does not care about chunk boundaries.
const serverReadBufferSize = 8192

// Worker drives one accepted client connection through synthetic
// authentication, transaction-scoped slot borrowing, message relaying, and
// termination cleanup. A Worker is not safe for concurrent use — Run must
// be the only goroutine mutating it once started.
type Worker struct {
	client   net.Conn
	username string
	database string

	broker          SlotBroker
	rollback        RollbackWriter
	notices         ClientNoticeWriter
	metrics         Metrics
	failoverEnabled bool
	logger          *slog.Logger

	slot     Slot
	tracker  framing.Tracker
	txnStart time.Time

	events chan event
	// serverReaderArmed tracks whether a one-shot backend reader is
	// currently in flight, so cleanup's rollback drain knows whether to
	// reuse it or start one instead of racing a second reader against it.
	serverReaderArmed bool
}

// event is a single observation delivered by a one-shot reader goroutine:
// either a full client message or a raw chunk read from the held slot's
// backend connection.
type event struct {
	fromClient bool
	tag        byte
	payload    []byte
	chunk      []byte
	err        error
}

// NewWorker constructs a Worker for an already-accepted client connection.
// username and database come from the startup message the frontend already
// parsed; the caller handles any TLS negotiation and the startup-message
// exchange before handing the connection here.
func NewWorker(client net.Conn, username, database string, broker SlotBroker, rollback RollbackWriter, notices ClientNoticeWriter, metrics Metrics, failoverEnabled bool, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client:          client,
		username:        username,
		database:        database,
		broker:          broker,
		rollback:        rollback,
		notices:         notices,
		metrics:         metrics,
		failoverEnabled: failoverEnabled,
		logger:          logger,
	}
}

// Initialize performs no setup beyond what NewWorker already did — there is
// no per-worker state shared outside the broker itself.
func (w *Worker) Initialize() {}

// Destroy releases nothing further; any held slot is already gone by the
// time Run returns.
func (w *Worker) Destroy() {}

// Periodic is a no-op: this pipeline has no background housekeeping of its
// own.
func (w *Worker) Periodic() {}

// Start acquires a slot just long enough to relay its server parameters
// back to the client as a synthetic authentication sequence, then
// immediately returns it — transaction-level pooling never holds a slot
// between transactions.
func (w *Worker) Start(ctx context.Context) error {
	start := time.Now()
	slot, err := w.broker.Acquire(ctx, w.username, w.database)
	if err != nil {
		return fmt.Errorf("acquiring initial slot: %w", err)
	}
	if w.metrics != nil {
		w.metrics.AcquireDuration(slot.ServerName(), time.Since(start))
	}

	if err := w.sendSyntheticAuthOK(slot); err != nil {
		w.broker.Discard(slot)
		return fmt.Errorf("sending synthetic authentication: %w", err)
	}

	isNew := slot.IsNew()
	if err := w.broker.Return(slot); err != nil && w.metrics != nil {
		w.metrics.SlotReturnFailed(slot.ServerName())
	}

	// New connections pace their first transaction by a short fixed delay;
	// a warmed idle slot skips it entirely.
	if isNew {
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (w *Worker) sendSyntheticAuthOK(slot Slot) error {
	authOK := make([]byte, 4)
	binary.BigEndian.PutUint32(authOK, pgproto.AuthOK)
	if err := pgproto.WriteMessage(w.client, pgproto.Authentication, authOK); err != nil {
		return err
	}

	for key, val := range slot.ServerParams() {
		payload := make([]byte, 0, len(key)+len(val)+2)
		payload = append(payload, key...)
		payload = append(payload, 0)
		payload = append(payload, val...)
		payload = append(payload, 0)
		if err := pgproto.WriteMessage(w.client, pgproto.ParameterStatus, payload); err != nil {
			return err
		}
	}

	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], slot.BackendPID())
	binary.BigEndian.PutUint32(bkd[4:], slot.BackendKey())
	if err := pgproto.WriteMessage(w.client, pgproto.BackendKeyData, bkd); err != nil {
		return err
	}

	return pgproto.WriteMessage(w.client, pgproto.ReadyForQuery, []byte{'I'})
}

// Run drives the relay loop until the client disconnects, a protocol error
// occurs, or the pipeline must tear down (server FATAL, failed write with
// no failover configured, exhausted pool). It returns the reason the loop
// stopped and never returns until it does.
func (w *Worker) Run(ctx context.Context) Termination {
	w.events = make(chan event, 1)
	w.armClientReader()

	for {
		select {
		case <-ctx.Done():
			w.cleanup()
			return TerminationClientError
		case ev := <-w.events:
			if ev.fromClient {
				term, done := w.onClientEvent(ctx, ev)
				if done {
					w.cleanup()
					return term
				}
				w.armClientReader()
			} else {
				w.serverReaderArmed = false
				term, done, rearm := w.onServerEvent(ev)
				if done {
					w.cleanup()
					return term
				}
				if rearm {
					w.armServerReader()
				}
			}
		}
	}
}

// armClientReader spawns a goroutine that performs exactly one blocking
// read of a full client message, then exits. This is the Go translation of
// registering a single readable-event watcher on the client fd.
func (w *Worker) armClientReader() {
	client := w.client
	events := w.events
	go func() {
		tag, payload, err := pgproto.ReadMessage(client)
		events <- event{fromClient: true, tag: tag, payload: payload, err: err}
	}()
}

// armServerReader spawns a goroutine that performs exactly one blocking raw
// read off the currently held slot's backend connection, then exits. Must
// only be called while a slot is held.
func (w *Worker) armServerReader() {
	conn := w.slot.Conn()
	events := w.events
	w.serverReaderArmed = true
	go func() {
		buf := make([]byte, serverReadBufferSize)
		n, err := conn.Read(buf)
		events <- event{fromClient: false, chunk: buf[:n], err: err}
	}()
}

// cleanup runs once, whatever the termination reason: if a slot is still
// held, any in-flight transaction is rolled back before the slot goes back
// to the broker. This mirrors stopping the pipeline for any reason — a
// clean Terminate, a dropped client, or a tear-down path — while a backend
// is still checked out.
func (w *Worker) cleanup() {
	if w.slot == nil {
		return
	}
	server := w.slot.ServerName()
	if w.tracker.InTx() {
		if err := w.rollback.WriteRollback(w.slot.Conn()); err != nil {
			w.logger.Debug("rollback write failed during teardown", "server", server, "err", err)
		} else {
			if !w.serverReaderArmed {
				w.armServerReader()
			}
			if w.drainRollbackResponse() && w.metrics != nil {
				w.metrics.RollbackIssued(server)
			}
		}
	}
	if err := w.broker.Return(w.slot); err != nil && w.metrics != nil {
		w.metrics.SlotReturnFailed(server)
	}
	w.slot = nil
}

// drainRollbackResponse waits for the backend to reach ReadyForQuery after
// a rollback write, consuming from the worker's own event channel so it
// reuses whatever one-shot backend reader is already in flight instead of
// starting a second reader that would race it for the same bytes. The
// client is gone by the time this runs, so responses are not forwarded.
func (w *Worker) drainRollbackResponse() bool {
	for {
		ev := <-w.events
		if ev.fromClient {
			// Only possible when cleanup runs from ctx cancellation with a
			// client reader still outstanding; the client is being
			// abandoned regardless, so its event carries no useful state.
			continue
		}
		if ev.err != nil {
			return false
		}
		res := w.tracker.Process(ev.chunk)
		if res.LastTag == pgproto.ReadyForQuery {
			return true
		}
		w.armServerReader()
	}
}
