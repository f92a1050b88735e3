package txpipeline

import (
	"context"
	"time"

	"github.com/yibit/pgagroal/internal/pgproto"
)

// onClientEvent handles one fully-read client message. It acquires a slot
// on demand if none is currently held, forwards the message to the backend,
// and reports whether the pipeline must stop.
func (w *Worker) onClientEvent(ctx context.Context, ev event) (Termination, bool) {
	if ev.err != nil {
		return TerminationClientError, true
	}

	if ev.tag == pgproto.Terminate {
		return TerminationClientClosed, true
	}

	if w.slot == nil {
		if err := w.acquireForTransaction(ctx); err != nil {
			if werr := w.notices.WritePoolFull(w.client); werr != nil {
				w.logger.Debug("failed to notify client of pool exhaustion", "err", werr)
			}
			if w.metrics != nil {
				w.metrics.PoolExhausted(w.database)
			}
			return TerminationPoolExhausted, true
		}
	}

	if err := pgproto.WriteMessage(w.slot.Conn(), ev.tag, ev.payload); err != nil {
		if w.failoverEnabled {
			server := w.slot.ServerName()
			w.broker.Failover(w.slot)
			w.slot = nil
			if w.metrics != nil {
				w.metrics.FailoverCount(server)
			}
			if werr := w.notices.WriteClientFailover(w.client); werr != nil {
				w.logger.Debug("failed to notify client of failover", "err", werr)
			}
			return TerminationFailover, true
		}
		return TerminationServerError, true
	}

	return 0, false
}

// acquireForTransaction borrows a slot for the transaction this client
// message is about to start, and arms the one-shot reader watching that
// slot's backend connection.
func (w *Worker) acquireForTransaction(ctx context.Context) error {
	start := time.Now()
	slot, err := w.broker.Acquire(ctx, w.username, w.database)
	if err != nil {
		return err
	}
	w.slot = slot
	w.txnStart = time.Now()
	if w.metrics != nil {
		w.metrics.AcquireDuration(slot.ServerName(), time.Since(start))
	}
	w.armServerReader()
	return nil
}

// onServerEvent handles one raw chunk read from the held slot's backend
// connection: updates the framing tracker, relays the bytes verbatim to
// the client, and decides whether the transaction just ended, errored
// fatally, or is still in flight. The returned rearm flag reports whether
// the caller should restart the one-shot backend reader — it is false
// whenever the slot was released or the backend watcher must stay
// stopped, mirroring the original's ev_io_stop calls on the server
// watcher.
func (w *Worker) onServerEvent(ev event) (term Termination, done bool, rearm bool) {
	if ev.err != nil {
		if w.slot != nil {
			w.broker.Discard(w.slot)
			w.slot = nil
		}
		return TerminationServerError, true, false
	}

	res := w.tracker.Process(ev.chunk)

	if _, err := w.client.Write(ev.chunk); err != nil {
		return TerminationClientError, true, false
	}

	// The buffer just forwarded, not the last message parsed out of it,
	// decides whether the return-on-idle check applies: a buffer whose
	// first byte is an ErrorResponse suppresses it even if a later 'Z'
	// in the same buffer reports an idle transaction.
	if res.FirstTag == pgproto.ErrorResponse {
		if res.ErrorBody != nil && w.slot != nil {
			fields := pgproto.ParseErrorFields(res.ErrorBody)
			if fields.IsFatal() {
				server := w.slot.ServerName()
				w.broker.Discard(w.slot)
				w.slot = nil
				if w.metrics != nil {
					w.metrics.ServerFatal(server)
				}
				return TerminationServerFatal, true, false
			}
		}
		// A non-fatal error still holds the slot: the client's next
		// message (typically ROLLBACK) is what ends the transaction. The
		// backend watcher stays stopped until the slot is released and
		// re-acquired for a fresh transaction.
		return 0, false, false
	}

	// Only a ReadyForQuery reporting an idle state ends the transaction; a
	// chunk that stops short of it keeps the slot and the reader armed.
	if res.LastTag == pgproto.ReadyForQuery && !res.InTx && w.slot != nil {
		server := w.slot.ServerName()
		if err := w.broker.Return(w.slot); err != nil {
			if w.metrics != nil {
				w.metrics.SlotReturnFailed(server)
			}
			return TerminationServerError, true, false
		}
		if w.metrics != nil && !w.txnStart.IsZero() {
			w.metrics.TransactionCompleted(server, time.Since(w.txnStart))
		}
		w.slot = nil
		w.txnStart = time.Time{}
		return 0, false, false
	}

	return 0, false, true
}
