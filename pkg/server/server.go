// Package server runs the RADIUS UDP front end: one listener for
// authentication, one for accounting. Each datagram is admitted by the
// rate limiter, decoded, attributed to a known NAS, verified, and handed
// to the auth engine or the accounting state machine. Anything that fails
// before a secret is known is dropped silently; RADIUS has no way to sign
// an error for an unknown peer.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/auth"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/packet"
	"github.com/codelaboratoryltd/aaa/pkg/radcrypto"
	"github.com/codelaboratoryltd/aaa/pkg/ratelimit"
)

// Config configures the UDP front end.
type Config struct {
	// AuthAddress is the authentication listen address (default :1812).
	AuthAddress string `yaml:"auth_address"`

	// AcctAddress is the accounting listen address (default :1813).
	AcctAddress string `yaml:"acct_address"`

	// MaxInFlight bounds concurrently handled packets (default 256).
	MaxInFlight int `yaml:"max_in_flight"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuthAddress: ":1812",
		AcctAddress: ":1813",
		MaxInFlight: 256,
	}
}

// Server is the RADIUS UDP server.
type Server struct {
	config  Config
	nases   *nas.Cache
	engine  *auth.Engine
	machine *accounting.Machine
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger

	authConn *net.UDPConn
	acctConn *net.UDPConn
	sem      chan struct{}
	wg       sync.WaitGroup
	running  int32

	authRecv uint64
	acctRecv uint64
	dropped  uint64
}

// New creates the server. metrics may be nil.
func New(cfg Config, nases *nas.Cache, engine *auth.Engine, machine *accounting.Machine, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.AuthAddress == "" {
		cfg.AuthAddress = ":1812"
	}
	if cfg.AcctAddress == "" {
		cfg.AcctAddress = ":1813"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 256
	}

	return &Server{
		config:  cfg,
		nases:   nases,
		engine:  engine,
		machine: machine,
		limiter: limiter,
		metrics: m,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxInFlight),
	}
}

// Start binds both sockets and begins receiving.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("server already running")
	}

	authConn, err := listen(s.config.AuthAddress)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("auth listener: %w", err)
	}
	acctConn, err := listen(s.config.AcctAddress)
	if err != nil {
		authConn.Close()
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("acct listener: %w", err)
	}
	s.authConn = authConn
	s.acctConn = acctConn

	s.wg.Add(2)
	go s.receiveLoop(ctx, s.authConn, s.handleAuth, "1812", &s.authRecv)
	go s.receiveLoop(ctx, s.acctConn, s.handleAcct, "1813", &s.acctRecv)

	s.logger.Info("RADIUS server started",
		zap.String("auth_address", s.config.AuthAddress),
		zap.String("acct_address", s.config.AcctAddress),
	)
	return nil
}

// Stop closes the sockets and waits for in-flight packets.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	if s.authConn != nil {
		s.authConn.Close()
	}
	if s.acctConn != nil {
		s.acctConn.Close()
	}
	s.wg.Wait()
	return nil
}

func listen(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}
	return net.ListenUDP("udp", addr)
}

// handler processes one datagram and returns the response to send, or nil
// for a silent drop.
type handler func(ctx context.Context, data []byte, sourceIP string) []byte

// receiveLoop receives datagrams and dispatches each to a worker goroutine.
func (s *Server) receiveLoop(ctx context.Context, conn *net.UDPConn, handle handler, port string, received *uint64) {
	defer s.wg.Done()

	buf := make([]byte, packet.MaxLength)

	for atomic.LoadInt32(&s.running) == 1 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if atomic.LoadInt32(&s.running) == 0 {
				return
			}
			s.logger.Error("Read error", zap.Error(err))
			continue
		}
		atomic.AddUint64(received, 1)

		sourceIP := addr.IP.String()
		if !s.limiter.Allow(sourceIP) {
			atomic.AddUint64(&s.dropped, 1)
			s.drop("rate_limited")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(data []byte, peer *net.UDPAddr) {
			defer s.wg.Done()
			defer func() { <-s.sem }()

			start := time.Now()
			resp := handle(ctx, data, peer.IP.String())
			if s.metrics != nil {
				s.metrics.ObserveHandleLatency(port, time.Since(start).Seconds())
			}
			if resp == nil {
				return
			}
			if _, err := conn.WriteToUDP(resp, peer); err != nil {
				s.logger.Warn("Response send failed",
					zap.String("peer", peer.String()),
					zap.Error(err),
				)
			}
		}(data, addr)
	}
}

// handleAuth processes one Access-Request datagram.
func (s *Server) handleAuth(ctx context.Context, data []byte, sourceIP string) []byte {
	req, err := packet.Decode(data)
	if err != nil {
		s.drop("malformed")
		return nil
	}
	if req.Code != packet.CodeAccessRequest {
		s.drop("unexpected_code")
		return nil
	}

	source, err := s.nases.Resolve(ctx, sourceIP)
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		s.drop("unknown_nas")
		s.logger.Warn("Access-Request from unknown NAS", zap.String("source", sourceIP))
		return nil
	}

	if err := radcrypto.VerifyMessageAuthenticator(data, []byte(source.Secret)); err != nil {
		atomic.AddUint64(&s.dropped, 1)
		s.drop("bad_authenticator")
		s.logger.Warn("Message-Authenticator check failed",
			zap.String("nas_id", source.ID),
			zap.String("source", sourceIP),
		)
		return nil
	}

	decision, err := s.engine.Authenticate(ctx, &auth.Request{Packet: req, NAS: source})
	if err != nil {
		s.drop("engine_error")
		s.logger.Error("Authentication failed",
			zap.String("nas_id", source.ID),
			zap.Error(err),
		)
		return nil
	}

	var resp *packet.Packet
	if decision.Accept {
		resp = s.engine.BuildAccept(&auth.Request{Packet: req, NAS: source}, decision.Subscriber)
		s.record("Access-Request", "accept")
		s.decision("accept", "")
	} else {
		resp = s.engine.BuildReject(&auth.Request{Packet: req, NAS: source})
		s.record("Access-Request", "reject")
		s.decision("reject", decision.Reason)
		s.logger.Info("Access rejected",
			zap.String("username", req.String(packet.AttrUserName)),
			zap.String("nas_id", source.ID),
			zap.String("reason", decision.Reason),
		)
	}

	encoded, err := radcrypto.SealResponse(resp, req.Authenticator, []byte(source.Secret))
	if err != nil {
		s.logger.Error("Response encode failed", zap.Error(err))
		return nil
	}
	return encoded
}

// handleAcct processes one Accounting-Request datagram.
func (s *Server) handleAcct(ctx context.Context, data []byte, sourceIP string) []byte {
	req, err := packet.Decode(data)
	if err != nil {
		s.drop("malformed")
		return nil
	}
	if req.Code != packet.CodeAccountingRequest {
		s.drop("unexpected_code")
		return nil
	}

	source, err := s.nases.Resolve(ctx, sourceIP)
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		s.drop("unknown_nas")
		s.logger.Warn("Accounting-Request from unknown NAS", zap.String("source", sourceIP))
		return nil
	}

	// A wrong accounting authenticator means a secret mismatch or a forgery.
	// Responding would leak which; drop instead.
	if err := radcrypto.VerifyAccountingRequest(data, []byte(source.Secret)); err != nil {
		atomic.AddUint64(&s.dropped, 1)
		s.drop("bad_authenticator")
		s.logger.Warn("Accounting authenticator check failed",
			zap.String("nas_id", source.ID),
			zap.String("source", sourceIP),
		)
		return nil
	}

	ev, err := accounting.ParseEvent(req)
	if err != nil {
		s.drop("malformed")
		s.logger.Warn("Unusable accounting request",
			zap.String("nas_id", source.ID),
			zap.Error(err),
		)
		return nil
	}

	if err := s.machine.Process(ctx, source, ev); err != nil {
		s.drop("engine_error")
		s.logger.Error("Accounting processing failed",
			zap.String("session_id", ev.SessionID),
			zap.Error(err),
		)
		return nil
	}

	s.record("Accounting-Request", "ok")
	s.acctEvent(ev.Type)

	// Accounting-Response carries no attributes.
	resp := packet.New(packet.CodeAccountingResponse, req.Identifier)
	encoded, err := radcrypto.SealResponse(resp, req.Authenticator, []byte(source.Secret))
	if err != nil {
		s.logger.Error("Response encode failed", zap.Error(err))
		return nil
	}
	return encoded
}

func (s *Server) drop(reason string) {
	if s.metrics != nil {
		s.metrics.RecordDrop(reason)
	}
}

func (s *Server) record(code, result string) {
	if s.metrics != nil {
		s.metrics.RecordPacket(code, result)
	}
}

func (s *Server) decision(result, reason string) {
	if s.metrics != nil {
		s.metrics.RecordAuthDecision(result, reason)
	}
}

func (s *Server) acctEvent(t accounting.StatusType) {
	if s.metrics == nil {
		return
	}
	switch t {
	case accounting.StatusStart:
		s.metrics.RecordAcctEvent("start")
	case accounting.StatusInterimUpdate:
		s.metrics.RecordAcctEvent("interim")
	case accounting.StatusStop:
		s.metrics.RecordAcctEvent("stop")
	case accounting.StatusAccountingOn:
		s.metrics.RecordAcctEvent("accounting_on")
	case accounting.StatusAccountingOff:
		s.metrics.RecordAcctEvent("accounting_off")
	}
}

// Stats holds server counters.
type Stats struct {
	AuthReceived uint64 `json:"auth_received"`
	AcctReceived uint64 `json:"acct_received"`
	Dropped      uint64 `json:"dropped"`
}

// GetStats returns a snapshot of the server counters.
func (s *Server) GetStats() Stats {
	return Stats{
		AuthReceived: atomic.LoadUint64(&s.authRecv),
		AcctReceived: atomic.LoadUint64(&s.acctRecv),
		Dropped:      atomic.LoadUint64(&s.dropped),
	}
}
