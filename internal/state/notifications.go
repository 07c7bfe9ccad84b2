package state

import (
	"fmt"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// PutNotification inserts or overwrites a notification.
func (s *State) PutNotification(n *models.Notification) error {
	return s.update("saving notification", func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(notificationsBucket), []byte(n.NotificationID), n)
	})
}

// GetNotification returns a notification by id, or nil if not found.
func (s *State) GetNotification(notificationID string) (*models.Notification, error) {
	var out *models.Notification

	err := s.view("reading notification", func(tx *bolt.Tx) error {
		var n models.Notification

		found, err := getJSON(tx.Bucket(notificationsBucket), []byte(notificationID), &n)
		if found {
			out = &n
		}

		return err
	})

	return out, err
}

// UpdateNotification applies fn to the stored notification and writes the
// result. Returns ErrNotFound if it does not exist.
func (s *State) UpdateNotification(notificationID string, fn func(n *models.Notification) error) (*models.Notification, error) {
	var out models.Notification

	err := s.update("updating notification", func(tx *bolt.Tx) error {
		b := tx.Bucket(notificationsBucket)

		found, err := getJSON(b, []byte(notificationID), &out)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("notification %s: %w", notificationID, apperrors.ErrNotFound)
		}

		if err := fn(&out); err != nil {
			return err
		}

		return putJSON(b, []byte(notificationID), &out)
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Notifications returns every notification for which keep returns true.
func (s *State) Notifications(keep func(*models.Notification) bool) ([]models.Notification, error) {
	var out []models.Notification

	err := s.view("listing notifications", func(tx *bolt.Tx) error {
		return forEachJSON(tx.Bucket(notificationsBucket), func(n *models.Notification) error {
			if keep == nil || keep(n) {
				out = append(out, *n)
			}

			return nil
		})
	})

	return out, err
}
