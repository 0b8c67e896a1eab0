// Package nas resolves packet source addresses to tenant-scoped NAS records
// and caches the results with a bounded TTL.
package nas

import (
	"context"
	"errors"
)

// ErrNotFound reports that no NAS record matches the lookup address.
var ErrNotFound = errors.New("nas not found")

// Record describes a network access server allowed to talk to the engine.
// The shared secret is never logged.
type Record struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"tenant_id"`
	Name     string `yaml:"name"`

	// Address is the public management address; VPNAddress is the optional
	// tunnel address. Either may appear as a packet source and both resolve
	// to the same tenant scope.
	Address    string `yaml:"address"`
	VPNAddress string `yaml:"vpn_address"`

	Secret string `yaml:"secret"`

	// CoAPort is the UDP port the NAS listens on for Disconnect/CoA
	// requests (0 means the standard 3799).
	CoAPort int `yaml:"coa_port"`
}

// Directory is the external NAS directory. Implementations match on either
// the public or the VPN address.
type Directory interface {
	// FindByAddress returns the record whose Address or VPNAddress equals
	// addr, or ErrNotFound.
	FindByAddress(ctx context.Context, addr string) (*Record, error)

	// FindByID returns the record with the given ID, or ErrNotFound. Used
	// by the disconnect sender, which holds a NAS id rather than a source
	// address.
	FindByID(ctx context.Context, id string) (*Record, error)
}

// StaticDirectory is a Directory backed by a fixed record list, typically
// seeded from the configuration file.
type StaticDirectory struct {
	records []*Record
}

// NewStaticDirectory builds a directory over the given records.
func NewStaticDirectory(records []*Record) *StaticDirectory {
	return &StaticDirectory{records: records}
}

// FindByAddress implements Directory.
func (d *StaticDirectory) FindByAddress(_ context.Context, addr string) (*Record, error) {
	for _, rec := range d.records {
		if rec.Address == addr || (rec.VPNAddress != "" && rec.VPNAddress == addr) {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// FindByID implements Directory.
func (d *StaticDirectory) FindByID(_ context.Context, id string) (*Record, error) {
	for _, rec := range d.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}
