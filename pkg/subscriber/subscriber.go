// Package subscriber defines subscriber records and the tenant-scoped
// directory the decision engine reads them from.
package subscriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports that no subscriber matches the lookup.
var ErrNotFound = errors.New("subscriber not found")

// Status is the provisioning state of a subscriber account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDisabled  Status = "disabled"
	StatusExpired   Status = "expired"
)

// ServicePlan holds the service parameters applied on Access-Accept.
type ServicePlan struct {
	Name string `json:"name" yaml:"name"`

	// Rates in megabits per second, as provisioned on the router.
	DownloadMbps uint32 `json:"download_mbps" yaml:"download_mbps"`
	UploadMbps   uint32 `json:"upload_mbps" yaml:"upload_mbps"`

	// DataCapBytes is the total transfer allowance; 0 means unlimited.
	DataCapBytes uint64 `json:"data_cap_bytes,omitempty" yaml:"data_cap_bytes"`

	// SessionTimeoutSecs overrides the default session timeout; 0 keeps
	// the default.
	SessionTimeoutSecs uint32 `json:"session_timeout_secs,omitempty" yaml:"session_timeout_secs"`

	// Burst parameters; both rates must be set for burst to apply.
	BurstDownloadMbps  uint32 `json:"burst_download_mbps,omitempty" yaml:"burst_download_mbps"`
	BurstUploadMbps    uint32 `json:"burst_upload_mbps,omitempty" yaml:"burst_upload_mbps"`
	BurstThresholdMbps uint32 `json:"burst_threshold_mbps,omitempty" yaml:"burst_threshold_mbps"`
	BurstTimeSecs      uint32 `json:"burst_time_secs,omitempty" yaml:"burst_time_secs"`
}

// Record is a subscriber account, read-only to the engine.
type Record struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	Username string `json:"username" yaml:"username"`

	// Password never leaves the engine in JSON form.
	Password string `json:"-" yaml:"password"`

	Status    Status       `json:"status" yaml:"status"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty" yaml:"expires_at"`
	Plan      *ServicePlan `json:"plan,omitempty" yaml:"plan"`
}

// Directory is the external subscriber directory. Username matching is
// case-insensitive and scoped to a tenant: the same username in two tenants
// resolves independently.
type Directory interface {
	FindByUsername(ctx context.Context, tenantID, username string) (*Record, error)
}

// StaticDirectory is a Directory backed by an in-memory index, seeded from
// configuration.
type StaticDirectory struct {
	mu      sync.RWMutex
	byLogin map[string]map[string]*Record // tenant -> lower(username) -> record
}

// NewStaticDirectory builds a directory over the given records.
func NewStaticDirectory(records []*Record) *StaticDirectory {
	d := &StaticDirectory{byLogin: make(map[string]map[string]*Record)}
	for _, rec := range records {
		d.Add(rec)
	}
	return d
}

// Add indexes a record, replacing any previous record with the same tenant
// and username.
func (d *StaticDirectory) Add(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tenant, ok := d.byLogin[rec.TenantID]
	if !ok {
		tenant = make(map[string]*Record)
		d.byLogin[rec.TenantID] = tenant
	}
	tenant[strings.ToLower(rec.Username)] = rec
}

// FindByUsername implements Directory.
func (d *StaticDirectory) FindByUsername(_ context.Context, tenantID, username string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, ok := d.byLogin[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := tenant[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}
