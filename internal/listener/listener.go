// Package listener maintains the two upstream RPC sessions to the
// blockchain node and turns incoming notifications into normalized
// events on the ingest queue.
package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btclog"

	"github.com/yablo/webhookd/internal/events"
	"github.com/yablo/webhookd/internal/queue"
	"github.com/yablo/webhookd/internal/rpcsession"
)

// Listener owns a notifier session (receive loop) and a caller session
// (synchronous enrichment calls), and pushes normalized events onto an
// ingest queue. The two sessions are never interleaved: the notifier
// is read-only and the caller is never used to read a push.
type Listener struct {
	notifier *rpcsession.Session
	caller   *rpcsession.Session
	ingest   queue.Queue
	log      btclog.Logger
}

// Dial opens both upstream sessions and returns a ready Listener.
func Dial(cfg rpcsession.Config, ingest queue.Queue, log btclog.Logger) (*Listener, error) {
	notifier, err := rpcsession.Dial(cfg, true, log)
	if err != nil {
		return nil, fmt.Errorf("listener: dial notifier session: %w", err)
	}
	caller, err := rpcsession.Dial(cfg, false, log)
	if err != nil {
		notifier.Close()
		return nil, fmt.Errorf("listener: dial caller session: %w", err)
	}
	return &Listener{notifier: notifier, caller: caller, ingest: ingest, log: log}, nil
}

// Close tears down both sessions.
func (l *Listener) Close() error {
	cerr := l.caller.Close()
	nerr := l.notifier.Close()
	if nerr != nil {
		return nerr
	}
	return cerr
}

// Run blocks, processing notifications until ctx is cancelled or a
// fatal error occurs on the notifier session. A nil return only
// happens on ctx cancellation.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := l.notifier.Recv()
		if err != nil {
			return fmt.Errorf("listener: notifier session exhausted retries: %w", err)
		}
		if msg == nil {
			// A transient disconnect-reconnect with nothing to replay.
			continue
		}
		// A frame without a method carries its kind in its id prefix and
		// its payload in its result.
		params := msg.Params
		if !msg.IsPush {
			params = msg.Result
		}

		if err := l.handle(ctx, msg.Kind, params); err != nil {
			l.log.Errorf("handling %s: %v", msg.Kind, err)
		}
	}
}

func (l *Listener) handle(ctx context.Context, kind string, params json.RawMessage) error {
	switch events.Kind(kind) {
	case events.KindNewTrans:
		return l.handleNewTrans(ctx, params)
	case events.KindNewBlock:
		return l.handleNewBlock(ctx, params)
	case events.KindDiscBlock:
		return l.handleDiscBlock(ctx, params)
	default:
		l.log.Warnf("unknown notification method %q, discarded", kind)
		return nil
	}
}

func (l *Listener) handleNewTrans(ctx context.Context, params json.RawMessage) error {
	var txs []rpcsession.RawTransaction
	if err := json.Unmarshal(params, &txs); err != nil {
		return fmt.Errorf("decode txacceptedverbose params: %w", err)
	}

	for _, tx := range txs {
		normalized, err := l.normalizeTx(tx)
		if err != nil {
			return fmt.Errorf("normalize tx %s: %w", tx.Txid, err)
		}
		if err := l.emit(ctx, events.Raw{Kind: events.KindNewTrans, NewTrans: &normalized}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) handleNewBlock(ctx context.Context, params json.RawMessage) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(params, &tuple); err != nil {
		return fmt.Errorf("decode blockconnected params: %w", err)
	}
	var hash string
	var height int32
	if err := json.Unmarshal(tuple[0], &hash); err != nil {
		return fmt.Errorf("decode blockconnected hash: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &height); err != nil {
		return fmt.Errorf("decode blockconnected height: %w", err)
	}

	block, err := rpcsession.GetBlock(l.caller, hash, true, false)
	if err != nil {
		return fmt.Errorf("getblock %s: %w", hash, err)
	}
	if block == nil {
		// Observed during a reorg: the node returns a null result for a
		// block that has already been superseded. Drop it.
		l.log.Warnf("empty getblock result for %s (height %d), dropping", hash, height)
		return nil
	}
	if block.Height != height {
		return fmt.Errorf("getblock %s: height mismatch, got %d want %d", hash, block.Height, height)
	}

	normalized := normalizeBlock(*block)
	return l.emit(ctx, events.Raw{Kind: events.KindNewBlock, NewBlock: &normalized})
}

func (l *Listener) handleDiscBlock(ctx context.Context, params json.RawMessage) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(params, &tuple); err != nil {
		return fmt.Errorf("decode blockdisconnected params: %w", err)
	}
	var hash string
	var height int32
	if err := json.Unmarshal(tuple[0], &hash); err != nil {
		return fmt.Errorf("decode blockdisconnected hash: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &height); err != nil {
		return fmt.Errorf("decode blockdisconnected height: %w", err)
	}

	return l.emit(ctx, events.Raw{Kind: events.KindDiscBlock, DiscBlock: &events.DiscBlock{Hash: hash, Height: height}})
}

// emit is the pipeline's commit point: once the encoded event is
// pushed, it belongs to the ingest queue, not the Listener. A crash
// before this call drops the notification.
func (l *Listener) emit(ctx context.Context, raw events.Raw) error {
	encoded, err := raw.Encode()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", raw.Kind, err)
	}
	if err := l.ingest.Push(ctx, string(encoded)); err != nil {
		return fmt.Errorf("push %s event: %w", raw.Kind, err)
	}
	return nil
}
