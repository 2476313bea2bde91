package imagestore

import (
	"context"
	"sync"
)

// StaticClinicDirectory is an in-memory ClinicDirectory implementation.
// Useful for tests and single-binary deployments; production deployments
// wire the surrounding application's clinic registry instead.
type StaticClinicDirectory struct {
	mu      sync.RWMutex
	clinics map[int64]map[int64]bool // clinic id -> admin user ids
}

// NewStaticClinicDirectory creates an empty static clinic directory
func NewStaticClinicDirectory() *StaticClinicDirectory {
	return &StaticClinicDirectory{
		clinics: make(map[int64]map[int64]bool),
	}
}

// AddClinic registers a clinic with the given admin users
func (d *StaticClinicDirectory) AddClinic(clinicID int64, adminUserIDs ...int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	admins, ok := d.clinics[clinicID]
	if !ok {
		admins = make(map[int64]bool)
		d.clinics[clinicID] = admins
	}
	for _, id := range adminUserIDs {
		admins[id] = true
	}
}

// ClinicExists reports whether the clinic is registered
func (d *StaticClinicDirectory) ClinicExists(ctx context.Context, clinicID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.clinics[clinicID]
	return ok, nil
}

// IsClinicAdmin reports whether the user administers the clinic
func (d *StaticClinicDirectory) IsClinicAdmin(ctx context.Context, userID, clinicID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	admins, ok := d.clinics[clinicID]
	if !ok {
		return false, nil
	}
	return admins[userID], nil
}
