package accounting

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// sessionShards bounds lock contention: packets for different sessions
// almost never share a shard, packets for the same session always do.
const sessionShards = 64

// DisconnectIntent asks the CoA sender to terminate a session on its NAS.
type DisconnectIntent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	NASID     string    `json:"nas_id"`
	Username  string    `json:"username"`
	Reason    string    `json:"reason"`
	IssuedAt  time.Time `json:"issued_at"`
}

// DisconnectDispatcher consumes disconnect intents. Dispatch must not
// block packet processing for long; senders queue internally.
type DisconnectDispatcher interface {
	Dispatch(ctx context.Context, intent *DisconnectIntent) error
}

// Machine applies accounting events to session state. Sessions move
// absent -> active -> closed; closed is terminal. All mutation for one
// session id happens under its shard lock, so updates are applied in the
// order the machine processes them while different sessions never block
// each other.
type Machine struct {
	store       Store
	subscribers subscriber.Directory
	dispatcher  DisconnectDispatcher
	logger      *zap.Logger
	now         func() time.Time

	locks [sessionShards]sync.Mutex

	startTotal      atomic.Uint64
	interimTotal    atomic.Uint64
	stopTotal       atomic.Uint64
	bulkCloseTotal  atomic.Uint64
	staleDropped    atomic.Uint64
	quotaDisconnect atomic.Uint64
}

// NewMachine creates the accounting state machine. dispatcher may be nil
// when no CoA sender is wired (quota breaches are then only logged).
func NewMachine(store Store, subscribers subscriber.Directory, dispatcher DisconnectDispatcher, logger *zap.Logger) *Machine {
	return &Machine{
		store:       store,
		subscribers: subscribers,
		dispatcher:  dispatcher,
		logger:      logger,
		now:         time.Now,
	}
}

func (m *Machine) lock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()%sessionShards]
}

// Process applies one verified accounting event from the given NAS. The
// caller has already checked the request authenticator; nothing here is
// reachable by unauthenticated packets.
func (m *Machine) Process(ctx context.Context, source *nas.Record, ev *Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	switch ev.Type {
	case StatusStart:
		m.startTotal.Add(1)
		return m.handleStart(ctx, source, ev)
	case StatusInterimUpdate:
		m.interimTotal.Add(1)
		return m.handleInterim(ctx, source, ev)
	case StatusStop:
		m.stopTotal.Add(1)
		return m.handleStop(ctx, source, ev)
	case StatusAccountingOn, StatusAccountingOff:
		return m.handleBulkClose(ctx, source)
	default:
		return fmt.Errorf("unsupported accounting status %d", ev.Type)
	}
}

// handleStart creates the session, or resets it when the NAS repeats the
// Start after a reconnect. A Start reusing a closed session id opens a
// fresh session; the close invariant covers updates, not re-creation.
func (m *Machine) handleStart(ctx context.Context, source *nas.Record, ev *Event) error {
	mu := m.lock(ev.SessionID)
	mu.Lock()
	defer mu.Unlock()

	session := &Session{
		SessionID:  ev.SessionID,
		Username:   ev.Username,
		NASID:      source.ID,
		TenantID:   source.TenantID,
		FramedIP:   ev.FramedIP,
		MACAddress: ev.MACAddress,
		StartTime:  ev.Timestamp,
		LastUpdate: ev.Timestamp,
		Active:     true,
	}

	if err := m.store.Put(ctx, session); err != nil {
		return fmt.Errorf("store session start: %w", err)
	}

	m.logger.Info("Session started",
		zap.String("session_id", ev.SessionID),
		zap.String("username", ev.Username),
		zap.String("nas_id", source.ID),
	)
	return nil
}

// handleInterim overwrites counters with the packet's values (never sums).
// Out-of-order duplicates resolve to the update with the latest timestamp.
// An interim for an unknown session synthesizes one: the NAS may have
// restarted and lost its Start bookkeeping.
func (m *Machine) handleInterim(ctx context.Context, source *nas.Record, ev *Event) error {
	mu := m.lock(ev.SessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.store.Get(ctx, ev.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		session = &Session{
			SessionID:  ev.SessionID,
			Username:   ev.Username,
			NASID:      source.ID,
			TenantID:   source.TenantID,
			FramedIP:   ev.FramedIP,
			MACAddress: ev.MACAddress,
			StartTime:  ev.Timestamp.Add(-time.Duration(ev.SessionTime) * time.Second),
			Active:     true,
		}
		m.logger.Warn("Interim update for unknown session, synthesizing",
			zap.String("session_id", ev.SessionID),
			zap.String("nas_id", source.ID),
		)
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	}

	if !session.Active {
		// Closed sessions are immutable; late interims are a no-op.
		return nil
	}
	if ev.Timestamp.Before(session.LastUpdate) {
		m.staleDropped.Add(1)
		return nil
	}

	session.InputOctets = ev.InputOctets
	session.OutputOctets = ev.OutputOctets
	session.SessionTime = ev.SessionTime
	session.LastUpdate = ev.Timestamp
	if ev.FramedIP != nil {
		session.FramedIP = ev.FramedIP
	}

	m.evaluateQuota(ctx, session)

	if err := m.store.Put(ctx, session); err != nil {
		return fmt.Errorf("store session update: %w", err)
	}
	return nil
}

// handleStop closes the session exactly once with the packet's final
// counters. Stops for unknown sessions record a closed session so the
// usage is not lost; stops for closed sessions are no-ops.
func (m *Machine) handleStop(ctx context.Context, source *nas.Record, ev *Event) error {
	mu := m.lock(ev.SessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.store.Get(ctx, ev.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		session = &Session{
			SessionID:  ev.SessionID,
			Username:   ev.Username,
			NASID:      source.ID,
			TenantID:   source.TenantID,
			FramedIP:   ev.FramedIP,
			MACAddress: ev.MACAddress,
			StartTime:  ev.Timestamp.Add(-time.Duration(ev.SessionTime) * time.Second),
		}
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	}

	if !session.Active && session.TerminateCause != "" {
		return nil
	}

	session.InputOctets = ev.InputOctets
	session.OutputOctets = ev.OutputOctets
	session.SessionTime = ev.SessionTime
	session.LastUpdate = ev.Timestamp
	session.Active = false
	session.TerminateCause = ev.TerminateCause
	if session.TerminateCause == "" {
		session.TerminateCause = "User-Request"
	}

	if err := m.store.Put(ctx, session); err != nil {
		return fmt.Errorf("store session stop: %w", err)
	}

	m.logger.Info("Session stopped",
		zap.String("session_id", ev.SessionID),
		zap.String("username", session.Username),
		zap.String("cause", session.TerminateCause),
		zap.Uint64("input_octets", session.InputOctets),
		zap.Uint64("output_octets", session.OutputOctets),
	)
	return nil
}

// handleBulkClose closes every active session on a NAS that reported
// Accounting-On/Off. Already-closed sessions keep their original cause.
func (m *Machine) handleBulkClose(ctx context.Context, source *nas.Record) error {
	sessions, err := m.store.ActiveByNAS(ctx, source.ID)
	if err != nil {
		return fmt.Errorf("list NAS sessions: %w", err)
	}

	for _, stale := range sessions {
		mu := m.lock(stale.SessionID)
		mu.Lock()

		session, err := m.store.Get(ctx, stale.SessionID)
		if err == nil && session.Active {
			session.Active = false
			session.TerminateCause = CauseNASReboot
			session.LastUpdate = m.now()
			if err := m.store.Put(ctx, session); err != nil {
				mu.Unlock()
				return fmt.Errorf("store bulk close: %w", err)
			}
			m.bulkCloseTotal.Add(1)
		}

		mu.Unlock()
	}

	m.logger.Info("Bulk-closed NAS sessions",
		zap.String("nas_id", source.ID),
		zap.Int("count", len(sessions)),
	)
	return nil
}

// evaluateQuota latches QuotaExceeded and emits one disconnect intent when
// cumulative usage reaches the plan's data cap. The ">=" matters: usage
// exactly at the cap counts as exceeded.
func (m *Machine) evaluateQuota(ctx context.Context, session *Session) {
	if session.QuotaExceeded || session.Username == "" {
		return
	}

	sub, err := m.subscribers.FindByUsername(ctx, session.TenantID, session.Username)
	if err != nil || sub.Plan == nil || sub.Plan.DataCapBytes == 0 {
		return
	}

	if session.InputOctets+session.OutputOctets < sub.Plan.DataCapBytes {
		return
	}

	session.QuotaExceeded = true
	m.quotaDisconnect.Add(1)

	m.logger.Info("Data quota exceeded",
		zap.String("session_id", session.SessionID),
		zap.String("username", session.Username),
		zap.Uint64("used", session.InputOctets+session.OutputOctets),
		zap.Uint64("cap", sub.Plan.DataCapBytes),
	)

	m.dispatch(ctx, session, "Data quota exceeded")
}

// RequestDisconnect raises an admin-initiated disconnect intent for an
// active session.
func (m *Machine) RequestDisconnect(ctx context.Context, sessionID, reason string) error {
	mu := m.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.Active {
		return fmt.Errorf("session %s already closed", sessionID)
	}

	m.dispatch(ctx, session, reason)
	return nil
}

func (m *Machine) dispatch(ctx context.Context, session *Session, reason string) {
	if m.dispatcher == nil {
		return
	}

	intent := &DisconnectIntent{
		ID:        uuid.NewString(),
		SessionID: session.SessionID,
		NASID:     session.NASID,
		Username:  session.Username,
		Reason:    reason,
		IssuedAt:  m.now(),
	}

	if err := m.dispatcher.Dispatch(ctx, intent); err != nil {
		m.logger.Warn("Disconnect dispatch failed",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
	}
}

// Stats holds state machine counters.
type Stats struct {
	Starts           uint64 `json:"starts"`
	Interims         uint64 `json:"interims"`
	Stops            uint64 `json:"stops"`
	BulkClosed       uint64 `json:"bulk_closed"`
	StaleDropped     uint64 `json:"stale_dropped"`
	QuotaDisconnects uint64 `json:"quota_disconnects"`
}

// GetStats returns a snapshot of the machine counters.
func (m *Machine) GetStats() Stats {
	return Stats{
		Starts:           m.startTotal.Load(),
		Interims:         m.interimTotal.Load(),
		Stops:            m.stopTotal.Load(),
		BulkClosed:       m.bulkCloseTotal.Load(),
		StaleDropped:     m.staleDropped.Load(),
		QuotaDisconnects: m.quotaDisconnect.Load(),
	}
}
