// Package accounting maintains per-session usage state from the unordered,
// retry-prone stream of RADIUS Accounting-Requests, and raises disconnect
// intents when a subscriber exceeds its data allowance.
package accounting

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/packet"
)

// ErrSessionNotFound reports a session id absent from the store.
var ErrSessionNotFound = errors.New("session not found")

// StatusType is the Acct-Status-Type value.
type StatusType uint32

const (
	StatusStart         StatusType = 1
	StatusStop          StatusType = 2
	StatusInterimUpdate StatusType = 3
	StatusAccountingOn  StatusType = 7
	StatusAccountingOff StatusType = 8
)

// CauseNASReboot is the synthesized terminate cause for sessions closed in
// bulk by Accounting-On/Off.
const CauseNASReboot = "NAS-Reboot"

// terminateCauseNames maps Acct-Terminate-Cause values (RFC 2866 §5.10) to
// their RFC names.
var terminateCauseNames = map[uint32]string{
	1:  "User-Request",
	2:  "Lost-Carrier",
	3:  "Lost-Service",
	4:  "Idle-Timeout",
	5:  "Session-Timeout",
	6:  "Admin-Reset",
	7:  "Admin-Reboot",
	8:  "Port-Error",
	9:  "NAS-Error",
	10: "NAS-Request",
	11: "NAS-Reboot",
	12: "Port-Unneeded",
	13: "Port-Preempted",
	14: "Port-Suspended",
	15: "Service-Unavailable",
	16: "Callback",
	17: "User-Error",
	18: "Host-Request",
}

// Session is the accounting state for one NAS-assigned session id. Once
// Active is false the record is immutable apart from the one-time close
// write that cleared it.
type Session struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
	NASID     string `json:"nas_id"`
	TenantID  string `json:"tenant_id"`

	FramedIP   net.IP `json:"framed_ip,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`

	StartTime  time.Time `json:"start_time"`
	LastUpdate time.Time `json:"last_update"`

	// 64-bit totals reconstructed from the 32-bit wire counters and their
	// gigaword overflow counts.
	InputOctets  uint64 `json:"input_octets"`
	OutputOctets uint64 `json:"output_octets"`
	SessionTime  uint32 `json:"session_time"`

	Active         bool   `json:"active"`
	TerminateCause string `json:"terminate_cause,omitempty"`

	// QuotaExceeded latches when usage reaches the plan's data cap; the
	// disconnect intent is issued exactly once, on the latch transition.
	QuotaExceeded bool `json:"quota_exceeded"`
}

// clone returns a copy so store callers cannot mutate shared state.
func (s *Session) clone() *Session {
	c := *s
	if s.FramedIP != nil {
		c.FramedIP = make(net.IP, len(s.FramedIP))
		copy(c.FramedIP, s.FramedIP)
	}
	return &c
}

// Event is one parsed Accounting-Request.
type Event struct {
	Type      StatusType
	SessionID string
	Username  string

	FramedIP   net.IP
	MACAddress string

	InputOctets  uint64
	OutputOctets uint64
	SessionTime  uint32

	TerminateCause string

	// Timestamp is the Event-Timestamp attribute when the NAS supplied
	// one; the machine substitutes its own clock otherwise.
	Timestamp time.Time
}

// ParseEvent extracts an accounting event from a decoded Accounting-Request.
// The 64-bit octet totals are rebuilt as octets + gigawords*2^32.
func ParseEvent(p *packet.Packet) (*Event, error) {
	status, ok := p.Uint32(packet.AttrAcctStatusType)
	if !ok {
		return nil, fmt.Errorf("%w: missing Acct-Status-Type", packet.ErrMalformedPacket)
	}

	ev := &Event{
		Type:       StatusType(status),
		SessionID:  p.String(packet.AttrAcctSessionID),
		Username:   p.String(packet.AttrUserName),
		FramedIP:   p.IPv4(packet.AttrFramedIPAddress),
		MACAddress: p.String(packet.AttrCallingStationID),
	}

	switch ev.Type {
	case StatusStart, StatusStop, StatusInterimUpdate:
		if ev.SessionID == "" {
			return nil, fmt.Errorf("%w: missing Acct-Session-Id", packet.ErrMalformedPacket)
		}
	case StatusAccountingOn, StatusAccountingOff:
	default:
		return nil, fmt.Errorf("unsupported Acct-Status-Type %d", status)
	}

	inLo, _ := p.Uint32(packet.AttrAcctInputOctets)
	inHi, _ := p.Uint32(packet.AttrAcctInputGigawords)
	outLo, _ := p.Uint32(packet.AttrAcctOutputOctets)
	outHi, _ := p.Uint32(packet.AttrAcctOutputGigawords)
	ev.InputOctets = CombineGigawords(inLo, inHi)
	ev.OutputOctets = CombineGigawords(outLo, outHi)

	if t, ok := p.Uint32(packet.AttrAcctSessionTime); ok {
		ev.SessionTime = t
	}
	if ts, ok := p.Uint32(packet.AttrEventTimestamp); ok {
		ev.Timestamp = time.Unix(int64(ts), 0)
	}
	if cause, ok := p.Uint32(packet.AttrAcctTerminateCause); ok {
		if name, known := terminateCauseNames[cause]; known {
			ev.TerminateCause = name
		} else {
			ev.TerminateCause = fmt.Sprintf("Cause-%d", cause)
		}
	}

	return ev, nil
}

// CombineGigawords rebuilds a 64-bit octet count from the 32-bit wire value
// and its overflow count.
func CombineGigawords(octets, gigawords uint32) uint64 {
	return uint64(octets) + uint64(gigawords)<<32
}
