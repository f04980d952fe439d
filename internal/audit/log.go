package audit

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Log is the append-only audit log backed by bbolt. Keys are
// {timestamp_ns}_{ulid} so a forward cursor yields chronological order and
// entries for the same (subject, target) appear in commit order.
type Log struct {
	db     *bbolt.DB
	bucket string
	logger *zap.SugaredLogger

	// appendMu serializes appends so monotonic timestamps hold within the
	// process even when the clock stalls.
	appendMu sync.Mutex
	lastNano int64
}

// Open creates (or opens) the audit database in dataDir.
func Open(dataDir, namespace string, logger *zap.SugaredLogger) (*Log, error) {
	dbPath := filepath.Join(dataDir, "audit.db")
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	l := &Log{
		db:     db,
		bucket: auditBucketPrefix + namespace,
		logger: logger,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(l.bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit bucket: %w", err)
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error { return l.db.Close() }

// Append writes one entry synchronously. ID and timestamp are assigned here
// when unset; the timestamp is forced monotonically non-decreasing.
func (l *Log) Append(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	nano := entry.Timestamp.UnixNano()
	if nano <= l.lastNano {
		nano = l.lastNano + 1
		entry.Timestamp = time.Unix(0, nano).UTC()
	}
	l.lastNano = nano

	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(l.bucket))
		data, err := entry.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		key := []byte(fmt.Sprintf("%020d_%s", nano, entry.ID))
		return bucket.Put(key, data)
	})
}

// List returns entries newest-first matching the filter.
func (l *Log) List(filter Filter) ([]*Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	var entries []*Entry
	skipped := 0
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(l.bucket))
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			entry := &Entry{}
			if err := entry.UnmarshalBinary(v); err != nil {
				l.logger.Warnw("Skipping unreadable audit entry", "key", string(k), "error", err)
				continue
			}
			if !matches(entry, filter) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			entries = append(entries, entry)
			if len(entries) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func matches(entry *Entry, filter Filter) bool {
	if filter.Subject != "" && entry.Subject != filter.Subject {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if filter.Target != "" && entry.Target != filter.Target {
		return false
	}
	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}
	return true
}
