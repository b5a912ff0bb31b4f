// Package state persists the pull cursor and the retained notification
// snapshot between sessions, so a fresh login does not re-surface
// notifications the user already read.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/campushub/realtime/wire"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var cursorKey = []byte("pull_cursor")

func userMetaBucket(userID int64) []byte {
	return []byte("user:" + strconv.FormatInt(userID, 10) + ":meta")
}

func userNotificationsBucket(userID int64) []byte {
	return []byte("user:" + strconv.FormatInt(userID, 10) + ":notifications")
}

// Store wraps a bbolt database holding per-user realtime state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.campushub/realtime.db, creating
// it if it does not exist.
func Load() (*Store, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	return &Store{db: db}, nil
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".campushub", "realtime.db")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the persisted pull cursor for a user, or the zero
// time when none is stored.
func (s *Store) Cursor(userID int64) (time.Time, error) {
	var cursor time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(userMetaBucket(userID))
		if b == nil {
			return nil
		}

		v := b.Get(cursorKey)
		if v == nil {
			return nil
		}

		parsed, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return fmt.Errorf("parsing stored cursor: %w", err)
		}

		cursor = parsed

		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	return cursor, nil
}

// SetCursor persists the pull cursor for a user.
func (s *Store) SetCursor(userID int64, cursor time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(userMetaBucket(userID))
		if err != nil {
			return err
		}

		return b.Put(cursorKey, []byte(cursor.UTC().Format(time.RFC3339Nano)))
	})
}

// Notifications returns the persisted notification snapshot for a
// user. Entries come back in id order; the reconciler re-sorts on load.
func (s *Store) Notifications(userID int64) ([]wire.Notification, error) {
	var out []wire.Notification

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(userNotificationsBucket(userID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var n wire.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decoding stored notification: %w", err)
			}

			out = append(out, n)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// SetNotifications replaces the persisted snapshot for a user. The set
// is small (bounded by the reconciler's cap), so a full rewrite per
// flush is cheaper than tracking deltas.
func (s *Store) SetNotifications(userID int64, notifications []wire.Notification) error {
	bucket := userNotificationsBucket(userID)

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucket) != nil {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(bucket)
		if err != nil {
			return err
		}

		for _, n := range notifications {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(n.ID)) //nolint:gosec // ids are positive server-assigned integers

			value, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("encoding notification %d: %w", n.ID, err)
			}

			if err := b.Put(key, value); err != nil {
				return err
			}
		}

		return nil
	})
}

// Clear removes all persisted state for a user, used on logout when
// the caller does not want notification state to outlive the session.
func (s *Store) Clear(userID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{userMetaBucket(userID), userNotificationsBucket(userID)} {
			if tx.Bucket(bucket) == nil {
				continue
			}

			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
		}

		return nil
	})
}
