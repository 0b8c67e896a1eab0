package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/aaa/pkg/packet"
)

func TestCombineGigawords(t *testing.T) {
	tests := []struct {
		octets    uint32
		gigawords uint32
		want      uint64
	}{
		{0, 0, 0},
		{1024, 0, 1024},
		{0, 1, 4294967296},
		{2147483648, 2, 2*4294967296 + 2147483648}, // 10 GiB
		{4294967295, 0, 4294967295},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CombineGigawords(tt.octets, tt.gigawords))
	}
}

func TestParseEventInterim(t *testing.T) {
	p := packet.New(packet.CodeAccountingRequest, 1)
	p.AddUint32(packet.AttrAcctStatusType, uint32(StatusInterimUpdate))
	p.AddString(packet.AttrAcctSessionID, "8100015d")
	p.AddString(packet.AttrUserName, "alice")
	p.AddString(packet.AttrCallingStationID, "AA:BB:CC:DD:EE:FF")
	p.AddUint32(packet.AttrAcctInputOctets, 2147483648)
	p.AddUint32(packet.AttrAcctInputGigawords, 2)
	p.AddUint32(packet.AttrAcctOutputOctets, 512)
	p.AddUint32(packet.AttrAcctSessionTime, 3600)
	p.AddUint32(packet.AttrEventTimestamp, 1756300000)

	ev, err := ParseEvent(p)
	require.NoError(t, err)

	assert.Equal(t, StatusInterimUpdate, ev.Type)
	assert.Equal(t, "8100015d", ev.SessionID)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ev.MACAddress)
	assert.Equal(t, uint64(2*4294967296+2147483648), ev.InputOctets)
	assert.Equal(t, uint64(512), ev.OutputOctets)
	assert.Equal(t, uint32(3600), ev.SessionTime)
	assert.Equal(t, time.Unix(1756300000, 0), ev.Timestamp)
}

func TestParseEventStopCause(t *testing.T) {
	p := packet.New(packet.CodeAccountingRequest, 1)
	p.AddUint32(packet.AttrAcctStatusType, uint32(StatusStop))
	p.AddString(packet.AttrAcctSessionID, "s-1")
	p.AddUint32(packet.AttrAcctTerminateCause, 4)

	ev, err := ParseEvent(p)
	require.NoError(t, err)
	assert.Equal(t, "Idle-Timeout", ev.TerminateCause)

	// Unknown causes keep their numeric value.
	p = packet.New(packet.CodeAccountingRequest, 2)
	p.AddUint32(packet.AttrAcctStatusType, uint32(StatusStop))
	p.AddString(packet.AttrAcctSessionID, "s-2")
	p.AddUint32(packet.AttrAcctTerminateCause, 99)

	ev, err = ParseEvent(p)
	require.NoError(t, err)
	assert.Equal(t, "Cause-99", ev.TerminateCause)
}

func TestParseEventValidation(t *testing.T) {
	// Missing Acct-Status-Type.
	p := packet.New(packet.CodeAccountingRequest, 1)
	p.AddString(packet.AttrAcctSessionID, "s-1")
	_, err := ParseEvent(p)
	assert.Error(t, err)

	// Missing session id on a Start.
	p = packet.New(packet.CodeAccountingRequest, 1)
	p.AddUint32(packet.AttrAcctStatusType, uint32(StatusStart))
	_, err = ParseEvent(p)
	assert.Error(t, err)

	// Accounting-On needs no session id.
	p = packet.New(packet.CodeAccountingRequest, 1)
	p.AddUint32(packet.AttrAcctStatusType, uint32(StatusAccountingOn))
	ev, err := ParseEvent(p)
	require.NoError(t, err)
	assert.Equal(t, StatusAccountingOn, ev.Type)

	// Unsupported status values are rejected.
	p = packet.New(packet.CodeAccountingRequest, 1)
	p.AddUint32(packet.AttrAcctStatusType, 6)
	_, err = ParseEvent(p)
	assert.Error(t, err)
}
