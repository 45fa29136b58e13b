package capsule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCapsules    = []byte("capsules")
	bucketDue         = []byte("capsule_due")
	bucketAttachments = []byte("attachments")
	bucketBlobs       = []byte("attachment_blobs")
)

// BoltStore implements Repository using bbolt. bbolt serializes update
// transactions, which is what makes CompareAndSetStatus a true conditional
// update for every writer sharing the store file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the capsule database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCapsules, bucketDue, bucketAttachments, bucketBlobs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Create persists a capsule and its attachments in one transaction.
func (s *BoltStore) Create(ctx context.Context, c *Capsule, atts []*Attachment) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.ScheduledAt.Before(c.CreatedAt) {
		return ErrScheduledInPast
	}
	if c.Status == "" {
		c.Status = StatusPending
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal capsule: %w", err)
		}
		if err := tx.Bucket(bucketCapsules).Put([]byte(c.ID), data); err != nil {
			return fmt.Errorf("failed to store capsule: %w", err)
		}

		if err := tx.Bucket(bucketDue).Put(makeIndexKey(c.ScheduledAt, c.ID), []byte(c.ID)); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}

		attBucket := tx.Bucket(bucketAttachments)
		blobBucket := tx.Bucket(bucketBlobs)
		for _, att := range atts {
			att.CapsuleID = c.ID
			if att.UploadedAt.IsZero() {
				att.UploadedAt = now
			}
			attData, err := json.Marshal(att)
			if err != nil {
				return fmt.Errorf("failed to marshal attachment: %w", err)
			}
			if err := attBucket.Put(attachmentKey(c.ID, att.ID), attData); err != nil {
				return fmt.Errorf("failed to store attachment: %w", err)
			}
			if err := blobBucket.Put([]byte(att.BlobRef), att.Data); err != nil {
				return fmt.Errorf("failed to store blob: %w", err)
			}
		}

		return nil
	})
}

// Get retrieves a capsule by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*Capsule, error) {
	var c *Capsule

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCapsules).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		c = &Capsule{}
		return json.Unmarshal(data, c)
	})

	return c, err
}

// FindDue returns all pending capsules with scheduledAt <= now, in
// scheduled order.
func (s *BoltStore) FindDue(ctx context.Context, now time.Time) ([]*Capsule, error) {
	var due []*Capsule

	err := s.db.View(func(tx *bolt.Tx) error {
		capsules := tx.Bucket(bucketCapsules)
		c := tx.Bucket(bucketDue).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // all remaining are in the future
			}

			data := capsules.Get(v)
			if data == nil {
				continue // capsule deleted, stale index entry
			}

			var cap Capsule
			if err := json.Unmarshal(data, &cap); err != nil {
				continue
			}
			if cap.Status != StatusPending {
				continue
			}

			due = append(due, &cap)
		}

		return nil
	})

	return due, err
}

// CompareAndSetStatus transitions a capsule atomically. The due index is
// maintained alongside: claiming a capsule removes its entry, resetting one
// to pending restores it.
func (s *BoltStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, fields StatusFields) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		capsules := tx.Bucket(bucketCapsules)

		data := capsules.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var c Capsule
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("corrupt capsule record: %w", err)
		}

		if c.Status != expected {
			return fmt.Errorf("%w: have %s, expected %s", ErrStatusConflict, c.Status, expected)
		}
		if !CanTransition(expected, next) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
		}

		due := tx.Bucket(bucketDue)
		dueKey := makeIndexKey(c.ScheduledAt, c.ID)

		c.Status = next
		switch next {
		case StatusProcessing:
			if err := due.Delete(dueKey); err != nil {
				return err
			}
		case StatusSent:
			if fields.SentAt.IsZero() {
				return fmt.Errorf("%w: sent requires sentAt", ErrIllegalTransition)
			}
			sentAt := fields.SentAt
			c.SentAt = &sentAt
			c.FailureReason = ""
		case StatusFailed:
			if fields.FailureReason == "" {
				return fmt.Errorf("%w: failed requires a reason", ErrIllegalTransition)
			}
			c.SentAt = nil
			c.FailureReason = fields.FailureReason
		case StatusPending:
			c.SentAt = nil
			c.FailureReason = ""
			if err := due.Put(dueKey, []byte(c.ID)); err != nil {
				return err
			}
		}

		updated, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal capsule: %w", err)
		}
		return capsules.Put([]byte(c.ID), updated)
	})
}

// List returns capsules with optional filtering
func (s *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Capsule, error) {
	var capsules []*Capsule

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCapsules).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cap Capsule
			if err := json.Unmarshal(v, &cap); err != nil {
				continue
			}

			if filter.Status != "" && cap.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			capsules = append(capsules, &cap)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return capsules, err
}

// ListCreatedBetween returns capsules with from <= createdAt < to.
func (s *BoltStore) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*Capsule, error) {
	var capsules []*Capsule

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCapsules).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cap Capsule
			if err := json.Unmarshal(v, &cap); err != nil {
				continue
			}
			if cap.CreatedAt.Before(from) || !cap.CreatedAt.Before(to) {
				continue
			}
			capsules = append(capsules, &cap)
		}

		return nil
	})

	return capsules, err
}

// Attachments returns the attachment records owned by a capsule.
func (s *BoltStore) Attachments(ctx context.Context, capsuleID string) ([]*Attachment, error) {
	var atts []*Attachment

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttachments).Cursor()
		prefix := []byte(capsuleID + "/")

		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var att Attachment
			if err := json.Unmarshal(v, &att); err != nil {
				continue
			}
			atts = append(atts, &att)
		}

		return nil
	})

	return atts, err
}

// AttachmentData returns the stored blob for a blob reference.
func (s *BoltStore) AttachmentData(ctx context.Context, blobRef string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(blobRef))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})

	return data, err
}

// Delete removes a capsule and cascades to its attachments and blobs.
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		capsules := tx.Bucket(bucketCapsules)

		data := capsules.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var c Capsule
		if err := json.Unmarshal(data, &c); err == nil {
			tx.Bucket(bucketDue).Delete(makeIndexKey(c.ScheduledAt, c.ID))
		}

		attBucket := tx.Bucket(bucketAttachments)
		blobBucket := tx.Bucket(bucketBlobs)
		cursor := attBucket.Cursor()
		prefix := []byte(id + "/")

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var att Attachment
			if err := json.Unmarshal(v, &att); err == nil {
				blobBucket.Delete([]byte(att.BlobRef))
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
		}

		return capsules.Delete([]byte(id))
	})
}

// Stats returns capsule counts per status
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCapsules).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cap Capsule
			if err := json.Unmarshal(v, &cap); err != nil {
				continue
			}

			stats.Total++
			switch cap.Status {
			case StatusPending:
				stats.Pending++
			case StatusProcessing:
				stats.Processing++
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			}
		}

		return nil
	})

	return stats, err
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance for components sharing the store.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func attachmentKey(capsuleID, attID string) []byte {
	return []byte(capsuleID + "/" + attID)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
