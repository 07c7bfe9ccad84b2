package state

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SaveMessage inserts a message. When the message belongs to a thread the
// thread aggregate is recomputed from all of its messages in the same
// transaction, creating the thread on first use. A parent message must
// already exist in the same tenant.
func (s *State) SaveMessage(msg *models.Message) (*models.MessageThread, error) {
	var thread *models.MessageThread

	err := s.update("saving message", func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)

		if msg.ParentMessageID != "" {
			var parent models.Message

			found, err := getJSON(msgs, []byte(msg.ParentMessageID), &parent)
			if err != nil {
				return err
			}

			if !found || parent.TenantID != msg.TenantID {
				return fmt.Errorf("parent message %s: %w", msg.ParentMessageID, apperrors.ErrValidation)
			}
		}

		if err := putJSON(msgs, []byte(msg.MessageID), msg); err != nil {
			return err
		}

		if msg.ThreadID == "" {
			return nil
		}

		var existing models.MessageThread

		found, err := getJSON(tx.Bucket(threadsBucket), []byte(msg.ThreadID), &existing)
		if err != nil {
			return err
		}

		if found && existing.TenantID != msg.TenantID {
			return fmt.Errorf("thread %s: %w", msg.ThreadID, apperrors.ErrValidation)
		}

		if err := tx.Bucket(threadIndexBucket).Put(compositeKey(msg.ThreadID, msg.MessageID), nil); err != nil {
			return err
		}

		thread, err = recomputeThread(tx, msg.ThreadID, msg.TenantID)

		return err
	})

	return thread, err
}

func recomputeThread(tx *bolt.Tx, threadID, tenantID string) (*models.MessageThread, error) {
	threads := tx.Bucket(threadsBucket)
	msgs := tx.Bucket(messagesBucket)

	var thread models.MessageThread

	if _, err := getJSON(threads, []byte(threadID), &thread); err != nil {
		return nil, err
	}

	participants := make(map[string]struct{})
	thread.MessageCount = 0

	thread.CreatedAt = time.Time{}
	thread.LastMessageAt = time.Time{}

	err := forEachPrefix(tx.Bucket(threadIndexBucket), prefixKey(threadID), func(k, _ []byte) error {
		id := k[len(threadID)+len(keySep):]

		var m models.Message

		ok, err := getJSON(msgs, id, &m)
		if err != nil || !ok {
			return err
		}

		thread.MessageCount++
		participants[m.SenderID] = struct{}{}

		for _, r := range m.RecipientIDs {
			participants[r] = struct{}{}
		}

		if thread.CreatedAt.IsZero() || m.CreatedAt.Before(thread.CreatedAt) {
			thread.CreatedAt = m.CreatedAt
		}

		if m.CreatedAt.After(thread.LastMessageAt) {
			thread.LastMessageAt = m.CreatedAt
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	thread.ThreadID = threadID
	thread.TenantID = tenantID
	thread.Participants = make([]string, 0, len(participants))

	for p := range participants {
		thread.Participants = append(thread.Participants, p)
	}

	sort.Strings(thread.Participants)
	thread.UpdatedAt = thread.LastMessageAt

	if err := putJSON(threads, []byte(threadID), &thread); err != nil {
		return nil, err
	}

	return &thread, nil
}

// GetMessage returns a message by id, or nil if not found.
func (s *State) GetMessage(messageID string) (*models.Message, error) {
	var msg *models.Message

	err := s.view("reading message", func(tx *bolt.Tx) error {
		var m models.Message

		found, err := getJSON(tx.Bucket(messagesBucket), []byte(messageID), &m)
		if found {
			msg = &m
		}

		return err
	})

	return msg, err
}

// UpdateMessage applies fn to the stored message and writes the result.
// Returns ErrNotFound if the message does not exist.
func (s *State) UpdateMessage(messageID string, fn func(m *models.Message) error) (*models.Message, error) {
	var out models.Message

	err := s.update("updating message", func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)

		found, err := getJSON(b, []byte(messageID), &out)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("message %s: %w", messageID, apperrors.ErrNotFound)
		}

		if err := fn(&out); err != nil {
			return err
		}

		return putJSON(b, []byte(messageID), &out)
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Messages returns every message for which keep returns true.
func (s *State) Messages(keep func(*models.Message) bool) ([]models.Message, error) {
	var out []models.Message

	err := s.view("listing messages", func(tx *bolt.Tx) error {
		return forEachJSON(tx.Bucket(messagesBucket), func(m *models.Message) error {
			if keep == nil || keep(m) {
				out = append(out, *m)
			}

			return nil
		})
	})

	return out, err
}

// GetThread returns a thread aggregate, or nil if not found.
func (s *State) GetThread(threadID string) (*models.MessageThread, error) {
	var thread *models.MessageThread

	err := s.view("reading thread", func(tx *bolt.Tx) error {
		var t models.MessageThread

		found, err := getJSON(tx.Bucket(threadsBucket), []byte(threadID), &t)
		if found {
			thread = &t
		}

		return err
	})

	return thread, err
}
