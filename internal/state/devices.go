package state

import (
	"github.com/alexjbarnes/campus-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// GetDevice returns a device registration by id, or nil if not found.
func (s *State) GetDevice(deviceID string) (*models.DeviceRegistration, error) {
	var out *models.DeviceRegistration

	err := s.view("reading device", func(tx *bolt.Tx) error {
		var d models.DeviceRegistration

		found, err := getJSON(tx.Bucket(devicesBucket), []byte(deviceID), &d)
		if found {
			out = &d
		}

		return err
	})

	return out, err
}

// UpsertDevice reads the device (nil when absent), passes it to fn and
// stores what fn returns, all in one transaction. fn returning nil
// leaves the bucket untouched.
func (s *State) UpsertDevice(deviceID string, fn func(cur *models.DeviceRegistration) (*models.DeviceRegistration, error)) (*models.DeviceRegistration, error) {
	var out *models.DeviceRegistration

	err := s.update("upserting device", func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)

		var (
			cur models.DeviceRegistration
			arg *models.DeviceRegistration
		)

		found, err := getJSON(b, []byte(deviceID), &cur)
		if err != nil {
			return err
		}

		if found {
			arg = &cur
		}

		next, err := fn(arg)
		if err != nil || next == nil {
			return err
		}

		out = next

		return putJSON(b, []byte(deviceID), next)
	})

	return out, err
}

// Devices returns every device registration for which keep returns true.
func (s *State) Devices(keep func(*models.DeviceRegistration) bool) ([]models.DeviceRegistration, error) {
	var out []models.DeviceRegistration

	err := s.view("listing devices", func(tx *bolt.Tx) error {
		return forEachJSON(tx.Bucket(devicesBucket), func(d *models.DeviceRegistration) error {
			if keep == nil || keep(d) {
				out = append(out, *d)
			}

			return nil
		})
	})

	return out, err
}
