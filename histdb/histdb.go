// Package histdb records install history in an embedded bbolt database:
// one attempt record per dispatched job and one run record per driver
// invocation. The database is history, not a checkpoint; the driver
// never resumes from it, and every write is best effort from the
// scheduler's point of view.
package histdb

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names.
const (
	BucketAttempts = "attempts"
	BucketRuns     = "runs"
)

// Attempt statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DB wraps a bbolt database for install history.
type DB struct {
	db   *bolt.DB
	path string
}

// AttemptRecord captures one install attempt of one package.
type AttemptRecord struct {
	UUID      string    `json:"uuid"`
	RunID     string    `json:"run_id"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	Retry     bool      `json:"retry"` // true when this is a second attempt
	Retcode   int       `json:"retcode"`
	LogPath   string    `json:"log_path"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// RunStats aggregates per-run outcomes.
type RunStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// RunRecord captures metadata for one pmerge invocation.
type RunRecord struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Aborted   bool      `json:"aborted"`
	Stats     RunStats  `json:"stats"`
}

// Open opens or creates the history database and its buckets.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{BucketAttempts, BucketRuns} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return &DatabaseError{Op: "create bucket", Bucket: bucket, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{db: bdb, path: path}, nil
}

// Close flushes and closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the filesystem path of the database.
func (db *DB) Path() string {
	return db.path
}

// StartRun writes a new run record.
func (db *DB) StartRun(runID string, startTime time.Time) error {
	if runID == "" {
		return &RecordError{Op: "start run", Err: ErrEmptyUUID}
	}
	rec := RunRecord{StartTime: startTime}
	return db.put(BucketRuns, runID, &rec)
}

// FinishRun updates a run record with final stats.
func (db *DB) FinishRun(runID string, stats RunStats, endTime time.Time, aborted bool) error {
	var rec RunRecord
	if err := db.get(BucketRuns, runID, &rec); err != nil {
		return err
	}
	rec.EndTime = endTime
	rec.Aborted = aborted
	rec.Stats = stats
	return db.put(BucketRuns, runID, &rec)
}

// GetRun fetches a run record.
func (db *DB) GetRun(runID string) (*RunRecord, error) {
	var rec RunRecord
	if err := db.get(BucketRuns, runID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveAttempt writes an attempt record keyed by its UUID.
func (db *DB) SaveAttempt(rec *AttemptRecord) error {
	if rec.UUID == "" {
		return &RecordError{Op: "save attempt", Err: ErrEmptyUUID}
	}
	return db.put(BucketAttempts, rec.UUID, rec)
}

// GetAttempt fetches an attempt record by UUID.
func (db *DB) GetAttempt(uuid string) (*AttemptRecord, error) {
	var rec AttemptRecord
	if err := db.get(BucketAttempts, uuid, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AttemptsForRun returns every attempt recorded under the given run,
// in key order.
func (db *DB) AttemptsForRun(runID string) ([]*AttemptRecord, error) {
	var out []*AttemptRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketAttempts))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketAttempts, Err: ErrBucketNotFound}
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec AttemptRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.RunID == runID {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) put(bucket, key string, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal", UUID: key, Err: err}
	}
	return db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return &DatabaseError{Op: "get bucket", Bucket: bucket, Err: ErrBucketNotFound}
		}
		return b.Put([]byte(key), data)
	})
}

func (db *DB) get(bucket, key string, rec any) error {
	if key == "" {
		return &RecordError{Op: "get", Err: ErrEmptyUUID}
	}
	return db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return &DatabaseError{Op: "get bucket", Bucket: bucket, Err: ErrBucketNotFound}
		}
		data := b.Get([]byte(key))
		if data == nil {
			return &RecordError{Op: "get", UUID: key, Err: ErrRecordNotFound}
		}
		return json.Unmarshal(data, rec)
	})
}
