// Package coa sends RFC 5176 Disconnect-Requests to the NAS when the
// accounting state machine (or an administrator) asks for a session to be
// terminated.
package coa

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/packet"
	"github.com/codelaboratoryltd/aaa/pkg/radcrypto"
)

// DefaultCoAPort is the standard dynamic-authorization port.
const DefaultCoAPort = 3799

// NASLookup resolves the NAS a disconnect intent targets.
type NASLookup interface {
	FindByID(ctx context.Context, id string) (*nas.Record, error)
}

// Config tunes the sender.
type Config struct {
	// Timeout bounds one request/response round trip (default 2s).
	Timeout time.Duration `yaml:"timeout"`

	// Retries is how many times a request is re-sent after a timeout
	// (default 3).
	Retries int `yaml:"retries"`

	// QueueSize bounds pending intents (default 1024).
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second, Retries: 3, QueueSize: 1024}
}

// Sender consumes disconnect intents, builds Disconnect-Requests with the
// accounting-style request authenticator, and matches ACK/NAK replies. It
// implements accounting.DisconnectDispatcher.
type Sender struct {
	lookup NASLookup
	config Config
	logger *zap.Logger

	queue chan *accounting.DisconnectIntent

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int32

	identifier atomic.Uint32

	acked    atomic.Uint64
	naked    atomic.Uint64
	timedOut atomic.Uint64
	dropped  atomic.Uint64
}

// NewSender creates a disconnect sender.
func NewSender(lookup NASLookup, config Config, logger *zap.Logger) *Sender {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Retries <= 0 {
		config.Retries = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		lookup: lookup,
		config: config,
		logger: logger,
		queue:  make(chan *accounting.DisconnectIntent, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins draining the intent queue.
func (s *Sender) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("coa sender already running")
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Info("CoA sender started",
		zap.Duration("timeout", s.config.Timeout),
		zap.Int("retries", s.config.Retries),
	)
	return nil
}

// Stop drains and stops the sender.
func (s *Sender) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// Dispatch implements accounting.DisconnectDispatcher. Full queues drop
// the intent rather than stall packet processing.
func (s *Sender) Dispatch(_ context.Context, intent *accounting.DisconnectIntent) error {
	select {
	case s.queue <- intent:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("disconnect queue full, dropping intent for session %s", intent.SessionID)
	}
}

func (s *Sender) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case intent := <-s.queue:
			s.send(intent)
		}
	}
}

// send performs the Disconnect-Request exchange for one intent.
func (s *Sender) send(intent *accounting.DisconnectIntent) {
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.config.Retries+1)*s.config.Timeout)
	defer cancel()

	target, err := s.lookup.FindByID(ctx, intent.NASID)
	if err != nil {
		s.logger.Warn("Disconnect target NAS not found",
			zap.String("nas_id", intent.NASID),
			zap.String("session_id", intent.SessionID),
		)
		return
	}

	req := packet.New(packet.CodeDisconnectRequest, uint8(s.identifier.Add(1)))
	req.AddString(packet.AttrUserName, intent.Username)
	req.AddString(packet.AttrAcctSessionID, intent.SessionID)

	encoded, err := radcrypto.SealRequest(req, []byte(target.Secret))
	if err != nil {
		s.logger.Error("Failed to encode Disconnect-Request", zap.Error(err))
		return
	}

	port := target.CoAPort
	if port == 0 {
		port = DefaultCoAPort
	}
	addr := net.JoinHostPort(s.coaHost(target), fmt.Sprintf("%d", port))

	code, err := s.exchange(addr, encoded, req.Authenticator, []byte(target.Secret))
	if err != nil {
		s.timedOut.Add(1)
		s.logger.Warn("Disconnect-Request got no valid reply",
			zap.String("session_id", intent.SessionID),
			zap.String("nas", addr),
			zap.Error(err),
		)
		return
	}

	switch code {
	case packet.CodeDisconnectACK:
		s.acked.Add(1)
		s.logger.Info("Session disconnected",
			zap.String("session_id", intent.SessionID),
			zap.String("nas_id", target.ID),
			zap.String("reason", intent.Reason),
		)
	case packet.CodeDisconnectNAK:
		s.naked.Add(1)
		s.logger.Warn("NAS refused disconnect",
			zap.String("session_id", intent.SessionID),
			zap.String("nas_id", target.ID),
		)
	default:
		s.logger.Warn("Unexpected disconnect reply code",
			zap.String("code", code.String()),
			zap.String("session_id", intent.SessionID),
		)
	}
}

// coaHost prefers the VPN address when the NAS has one: the tunnel is what
// the engine can reach in most deployments.
func (s *Sender) coaHost(target *nas.Record) string {
	if target.VPNAddress != "" {
		return target.VPNAddress
	}
	return target.Address
}

// exchange sends the request and waits for a verified reply, retrying on
// timeout. Replies failing the response authenticator check are ignored.
func (s *Sender) exchange(addr string, encoded []byte, requestAuth [16]byte, secret []byte) (packet.Code, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	buf := make([]byte, packet.MaxLength)
	for attempt := 0; attempt <= s.config.Retries; attempt++ {
		if _, err := conn.Write(encoded); err != nil {
			return 0, fmt.Errorf("send: %w", err)
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.config.Timeout)); err != nil {
			return 0, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return 0, fmt.Errorf("receive: %w", err)
		}

		reply, err := packet.Decode(buf[:n])
		if err != nil {
			continue
		}
		if reply.Identifier != encoded[1] {
			continue
		}
		if err := radcrypto.VerifyResponse(buf[:n], requestAuth, secret); err != nil {
			s.logger.Warn("Disconnect reply failed authenticator check", zap.String("nas", addr))
			continue
		}
		return reply.Code, nil
	}

	return 0, fmt.Errorf("no reply after %d attempts", s.config.Retries+1)
}

// Stats holds sender counters.
type Stats struct {
	ACKed    uint64 `json:"acked"`
	NAKed    uint64 `json:"naked"`
	TimedOut uint64 `json:"timed_out"`
	Dropped  uint64 `json:"dropped"`
}

// GetStats returns a snapshot of the sender counters.
func (s *Sender) GetStats() Stats {
	return Stats{
		ACKed:    s.acked.Load(),
		NAKed:    s.naked.Load(),
		TimedOut: s.timedOut.Load(),
		Dropped:  s.dropped.Load(),
	}
}
