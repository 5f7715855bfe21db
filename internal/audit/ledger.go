package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
)

// Event is one link of an order's hash chain. Hash and signature are
// computed over the canonical serialization of the remaining fields.
type Event struct {
	OrderID   string         `json:"order_id"`
	Action    Action         `json:"action"`
	ActorSub  string         `json:"actor_sub"`
	TS        int64          `json:"ts"` // unix microseconds
	Before    map[string]any `json:"before"`
	After     map[string]any `json:"after"`
	PrevHash  *string        `json:"prev_hash"`
	EventHash string         `json:"event_hash"`
	Signature string         `json:"signature"`
	SigAlg    string         `json:"sig_alg"`
}

func (e *Event) body() map[string]any {
	return map[string]any{
		"order_id":  e.OrderID,
		"action":    e.Action,
		"actor_sub": e.ActorSub,
		"ts":        e.TS,
		"before":    e.Before,
		"after":     e.After,
		"prev_hash": e.PrevHash,
	}
}

// Store is the append-only event log.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	EventsByOrder(ctx context.Context, orderID string) ([]Event, error)
}

// Anchor updates the owning order's chain-head pointer.
type Anchor interface {
	SetLastEventHash(ctx context.Context, orderID, hash string) error
}

// ChainIntegrityError names the first divergent event of a broken chain.
type ChainIntegrityError struct {
	OrderID   string
	Index     int
	EventHash string
	Reason    string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken for order %s at event %d (%s): %s",
		e.OrderID, e.Index, e.EventHash, e.Reason)
}

type Ledger struct {
	store  Store
	anchor Anchor
	signer *Signer
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastTS int64
}

func NewLedger(store Store, anchor Anchor, signer *Signer, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		anchor: anchor,
		signer: signer,
		logger: logger,
		now:    time.Now,
	}
}

// nextTS hands out strictly increasing microsecond timestamps so that two
// appends for the same order can never tie in replay order. Microseconds
// stay within float64's exact integer range, keeping the canonical JSON
// reproducible in other implementations.
func (l *Ledger) nextTS() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now().UnixMicro()
	if ts <= l.lastTS {
		ts = l.lastTS + 1
	}
	l.lastTS = ts
	return ts
}

// Append records one signed, hash-chained event and moves the order's
// chain-head pointer to it. prevHash is the order's current head, nil for
// the first event of a chain.
func (l *Ledger) Append(ctx context.Context, orderID string, action Action, actor string, before, after map[string]any, prevHash *string) (Event, error) {
	ev := Event{
		OrderID:  orderID,
		Action:   action,
		ActorSub: actor,
		TS:       l.nextTS(),
		Before:   before,
		After:    after,
		PrevHash: prevHash,
	}

	body, err := Canonical(ev.body())
	if err != nil {
		return Event{}, err
	}
	ev.EventHash = SHA256Hex(body)
	ev.Signature = l.signer.Sign(body)
	ev.SigAlg = l.signer.Alg()

	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("append audit event: %w", err)
	}

	// The pointer update tolerates a transient store failure but is retried
	// to completion; a chain head that lags the log is unrecoverable.
	var anchorErr error
	for attempt := 0; attempt < 3; attempt++ {
		if anchorErr = l.anchor.SetLastEventHash(ctx, orderID, ev.EventHash); anchorErr == nil {
			break
		}
		l.logger.Warn("retrying chain head update",
			zap.String("order_id", orderID),
			zap.Error(anchorErr))
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	if anchorErr != nil {
		// The event is already in the append-only log; it stays there as an
		// orphan until a later append or repair re-anchors the chain.
		l.logger.Error("audit event appended but chain head not anchored",
			zap.String("order_id", orderID),
			zap.String("orphaned_event_hash", ev.EventHash),
			zap.Error(anchorErr))
		return Event{}, fmt.Errorf("anchor chain head for order %s: %w", orderID, anchorErr)
	}

	l.logger.Info("audit event appended",
		zap.String("order_id", orderID),
		zap.String("action", string(action)),
		zap.String("event_hash", ev.EventHash))
	return ev, nil
}

// Events returns the order's chain in timestamp order.
func (l *Ledger) Events(ctx context.Context, orderID string) ([]Event, error) {
	events, err := l.store.EventsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load audit events: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].TS < events[j].TS })
	return events, nil
}

// VerifyChain replays the order's events checking linkage, recomputed
// hashes and signatures. On a mismatch it returns false and a
// *ChainIntegrityError naming the first divergent event; integrity failures
// are never repaired here.
func (l *Ledger) VerifyChain(ctx context.Context, orderID string) (bool, error) {
	events, err := l.Events(ctx, orderID)
	if err != nil {
		return false, err
	}

	var prev *string
	for i := range events {
		ev := &events[i]

		switch {
		case prev == nil && ev.PrevHash != nil:
			return false, &ChainIntegrityError{OrderID: orderID, Index: i, EventHash: ev.EventHash,
				Reason: "head event declares a previous hash"}
		case prev != nil && (ev.PrevHash == nil || *ev.PrevHash != *prev):
			return false, &ChainIntegrityError{OrderID: orderID, Index: i, EventHash: ev.EventHash,
				Reason: "previous hash does not match prior event"}
		}

		body, err := Canonical(ev.body())
		if err != nil {
			return false, err
		}
		if SHA256Hex(body) != ev.EventHash {
			return false, &ChainIntegrityError{OrderID: orderID, Index: i, EventHash: ev.EventHash,
				Reason: "recomputed hash does not match declared event hash"}
		}
		if !l.signer.Verify(body, ev.Signature, ev.SigAlg) {
			return false, &ChainIntegrityError{OrderID: orderID, Index: i, EventHash: ev.EventHash,
				Reason: "signature verification failed"}
		}

		prev = &ev.EventHash
	}
	return true, nil
}
