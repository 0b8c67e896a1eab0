// Package auth implements the authentication decision engine: it consumes a
// decoded Access-Request plus the resolved NAS and returns an accept with
// service attributes or a reject with an operator-facing reason.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/packet"
	"github.com/codelaboratoryltd/aaa/pkg/radcrypto"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// Reject reasons surfaced in operator logs. "Invalid credentials" covers
// both unknown usernames and wrong passwords so the engine cannot be used
// for username enumeration.
const (
	ReasonUnknownNAS         = "Unknown NAS"
	ReasonInvalidCredentials = "Invalid credentials"
	ReasonAccountSuspended   = "Account suspended"
	ReasonAccountDisabled    = "Account disabled"
	ReasonAccountExpired     = "Account expired"
	ReasonNoPackage          = "No package assigned"
)

// Defaults applied when the service plan does not override them.
const (
	DefaultSessionTimeoutSecs  = 86400
	DefaultIdleTimeoutSecs     = 300
	DefaultInterimIntervalSecs = 300
)

// rejectMessage is the only text that leaves the engine on the wire; reject
// reasons stay in logs.
const rejectMessage = "Access denied"

// Request carries one Access-Request through the engine.
type Request struct {
	// Packet is the decoded Access-Request.
	Packet *packet.Packet

	// NAS is the resolved source NAS, or nil when resolution failed.
	NAS *nas.Record
}

// Decision is the engine verdict for one request.
type Decision struct {
	Accept     bool
	Reason     string
	Subscriber *subscriber.Record
}

// Config tunes the engine.
type Config struct {
	// LookupTimeout bounds the external subscriber directory call.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{LookupTimeout: 3 * time.Second}
}

// Engine makes authorization decisions. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	subscribers subscriber.Directory
	config      Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewEngine creates a decision engine.
func NewEngine(subscribers subscriber.Directory, config Config, logger *zap.Logger) *Engine {
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = 3 * time.Second
	}
	return &Engine{
		subscribers: subscribers,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// Authenticate runs the decision stages in order; each stage short-circuits
// to a reject with a specific reason, and no stage is skipped. The returned
// error covers infrastructure failures only (directory unreachable), never
// bad credentials.
func (e *Engine) Authenticate(ctx context.Context, req *Request) (*Decision, error) {
	if req.NAS == nil {
		return &Decision{Reason: ReasonUnknownNAS}, nil
	}

	username := req.Packet.String(packet.AttrUserName)
	if username == "" {
		return &Decision{Reason: ReasonInvalidCredentials}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.config.LookupTimeout)
	defer cancel()

	sub, err := e.subscribers.FindByUsername(lookupCtx, req.NAS.TenantID, username)
	if err != nil {
		if errors.Is(err, subscriber.ErrNotFound) {
			e.logger.Info("Unknown subscriber",
				zap.String("username", username),
				zap.String("tenant_id", req.NAS.TenantID),
			)
			return &Decision{Reason: ReasonInvalidCredentials}, nil
		}
		return nil, fmt.Errorf("subscriber lookup: %w", err)
	}

	if !e.verifyPassword(req, sub) {
		return &Decision{Reason: ReasonInvalidCredentials, Subscriber: sub}, nil
	}

	switch sub.Status {
	case subscriber.StatusActive:
	case subscriber.StatusSuspended:
		return &Decision{Reason: ReasonAccountSuspended, Subscriber: sub}, nil
	case subscriber.StatusDisabled:
		return &Decision{Reason: ReasonAccountDisabled, Subscriber: sub}, nil
	default:
		return &Decision{Reason: ReasonAccountExpired, Subscriber: sub}, nil
	}

	if sub.ExpiresAt != nil && !sub.ExpiresAt.After(e.now()) {
		return &Decision{Reason: ReasonAccountExpired, Subscriber: sub}, nil
	}

	if sub.Plan == nil {
		return &Decision{Reason: ReasonNoPackage, Subscriber: sub}, nil
	}

	return &Decision{Accept: true, Subscriber: sub}, nil
}

// verifyPassword checks PAP or CHAP credentials against the subscriber
// record. A request carrying neither scheme fails.
func (e *Engine) verifyPassword(req *Request, sub *subscriber.Record) bool {
	if encrypted, ok := req.Packet.Lookup(packet.AttrUserPassword); ok {
		plain, err := radcrypto.DecryptPassword(encrypted, req.Packet.Authenticator, []byte(req.NAS.Secret))
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(plain, []byte(sub.Password)) == 1
	}

	if chap, ok := req.Packet.Lookup(packet.AttrCHAPPassword); ok {
		if len(chap) != 17 {
			return false
		}
		// RFC 2865 §2.2: the challenge is the CHAP-Challenge attribute
		// when present, otherwise the request authenticator.
		challenge, ok := req.Packet.Lookup(packet.AttrCHAPChallenge)
		if !ok {
			challenge = req.Packet.Authenticator[:]
		}
		return radcrypto.VerifyCHAP(chap[0], challenge, chap[1:], []byte(sub.Password))
	}

	return false
}

// BuildAccept constructs the Access-Accept for an accepted request. The
// caller seals it (authenticators) before sending; the attribute set here
// is final.
func (e *Engine) BuildAccept(req *Request, sub *subscriber.Record) *packet.Packet {
	plan := sub.Plan

	resp := packet.New(packet.CodeAccessAccept, req.Packet.Identifier)
	resp.AddUint32(packet.AttrServiceType, packet.ServiceTypeFramed)
	resp.AddUint32(packet.AttrFramedProtocol, packet.FramedProtocolPPP)

	sessionTimeout := uint32(DefaultSessionTimeoutSecs)
	if plan.SessionTimeoutSecs > 0 {
		sessionTimeout = plan.SessionTimeoutSecs
	}
	resp.AddUint32(packet.AttrSessionTimeout, sessionTimeout)
	resp.AddUint32(packet.AttrIdleTimeout, DefaultIdleTimeoutSecs)
	resp.AddUint32(packet.AttrAcctInterimInterval, DefaultInterimIntervalSecs)

	resp.AddVendorString(packet.VendorMikrotik, packet.MikrotikRateLimit, RateLimit(plan))

	if plan.DataCapBytes > 0 {
		resp.AddVendorUint32(packet.VendorMikrotik, packet.MikrotikTotalLimit, uint32(plan.DataCapBytes))
		if hi := uint32(plan.DataCapBytes >> 32); hi > 0 {
			resp.AddVendorUint32(packet.VendorMikrotik, packet.MikrotikTotalLimitGigaword, hi)
		}
	}

	// Answer with a Message-Authenticator when the NAS sent one.
	if _, ok := req.Packet.Lookup(packet.AttrMessageAuthenticator); ok {
		resp.Add(packet.AttrMessageAuthenticator, make([]byte, 16))
	}

	return resp
}

// BuildReject constructs the Access-Reject. The wire packet carries only a
// generic Reply-Message; the decision reason never leaves the engine.
func (e *Engine) BuildReject(req *Request) *packet.Packet {
	resp := packet.New(packet.CodeAccessReject, req.Packet.Identifier)
	resp.AddString(packet.AttrReplyMessage, rejectMessage)
	if _, ok := req.Packet.Lookup(packet.AttrMessageAuthenticator); ok {
		resp.Add(packet.AttrMessageAuthenticator, make([]byte, 16))
	}
	return resp
}

// RateLimit renders the MikroTik rate limit string: "upM/downM", extended
// with burst parameters when the plan provisions them.
func RateLimit(plan *subscriber.ServicePlan) string {
	base := fmt.Sprintf("%dM/%dM", plan.UploadMbps, plan.DownloadMbps)
	if plan.BurstUploadMbps == 0 || plan.BurstDownloadMbps == 0 {
		return base
	}
	return fmt.Sprintf("%s %dM/%dM %d/%d %d/%d",
		base,
		plan.BurstUploadMbps, plan.BurstDownloadMbps,
		plan.BurstThresholdMbps, plan.BurstThresholdMbps,
		plan.BurstTimeSecs, plan.BurstTimeSecs,
	)
}
