package stats

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDaily    = []byte("daily_stats")
	bucketRealtime = []byte("realtime_metrics")
)

// metricRecord is one expiring key/value row in the realtime metrics bucket.
type metricRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Store persists derived statistics: upserted daily rows and a small
// expiring key/value cache for dashboard snapshots. Everything here is
// recomputable from capsule state; it is never authoritative.
type Store struct {
	db *bolt.DB
}

// NewStore creates the statistics buckets.
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDaily, bucketRealtime} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stats buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertDaily writes or replaces the statistic row for its date.
func (s *Store) UpsertDaily(stat *DailyStatistic) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(stat)
		if err != nil {
			return fmt.Errorf("failed to marshal daily statistic: %w", err)
		}
		return tx.Bucket(bucketDaily).Put([]byte(stat.Date), data)
	})
}

// GetDaily returns the statistic row for a date key (YYYY-MM-DD), or nil.
func (s *Store) GetDaily(date string) (*DailyStatistic, error) {
	var stat *DailyStatistic

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDaily).Get([]byte(date))
		if data == nil {
			return nil
		}
		stat = &DailyStatistic{}
		return json.Unmarshal(data, stat)
	})

	return stat, err
}

// UpdateMetric upserts an expiring key/value row. ttl <= 0 means no expiry.
func (s *Store) UpdateMetric(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal metric %s: %w", key, err)
	}

	rec := metricRecord{
		Key:       key,
		Value:     raw,
		UpdatedAt: time.Now(),
	}
	if ttl > 0 {
		expires := rec.UpdatedAt.Add(ttl)
		rec.ExpiresAt = &expires
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRealtime).Put([]byte(key), data)
	})
}

// GetMetric reads a metric row into out. Expired rows are deleted on read
// and reported as missing.
func (s *Store) GetMetric(key string, out any) (bool, error) {
	var rec *metricRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRealtime).Get([]byte(key))
		if data == nil {
			return nil
		}
		rec = &metricRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil || rec == nil {
		return false, err
	}

	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now()) {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketRealtime).Delete([]byte(key))
		})
		return false, err
	}

	if err := json.Unmarshal(rec.Value, out); err != nil {
		return false, fmt.Errorf("corrupt metric %s: %w", key, err)
	}
	return true, nil
}
