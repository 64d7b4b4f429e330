package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the data directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	dumpsBucket     = []byte("dumps")
	jobsBucket      = []byte("jobs")
	watermarkBucket = []byte("watermarks")
	cursorBucket    = []byte("cursors")

	seedKey    = []byte("seed")
	linkingKey = []byte("linking")
)

// DumpRecord is one persisted wrapper dump. Variant is the dump name
// (for example "ContactsConfig" or "MetaGroupConfig-03ab..").
type DumpRecord struct {
	Owner   string
	Variant string
	Data    []byte
}

// JobRecord is the persisted position of a sync job so a restart
// resumes its retry count and schedule.
type JobRecord struct {
	ID          string `json:"id"`
	Identity    string `json:"identity"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	NextRunAt   int64  `json:"next_run_at"`
}

// State wraps a bbolt database for all persistent sync state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, dumpsBucket, jobsBucket, watermarkBucket, cursorBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// --- settings ---

// Seed returns the persisted account seed, or nil when none is stored.
func (s *State) Seed() []byte {
	var seed []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(seedKey); v != nil {
			seed = append([]byte(nil), v...)
		}

		return nil
	})

	return seed
}

// SetSeed persists the account seed.
func (s *State) SetSeed(seed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(seedKey, seed)
	})
}

// Linking reports whether a new device is currently being linked.
// User sync jobs are suppressed while this is set.
func (s *State) Linking() bool {
	var linking bool

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(linkingKey)
		linking = len(v) == 1 && v[0] == 1

		return nil
	})

	return linking
}

// SetLinking sets or clears the linking flag.
func (s *State) SetLinking(linking bool) error {
	v := []byte{0}
	if linking {
		v[0] = 1
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(linkingKey, v)
	})
}

// --- dumps ---

func dumpKey(owner, variant string) []byte {
	return []byte(owner + ":" + variant)
}

// SaveDump replaces the dump for (owner, variant). bbolt commits the
// whole value or nothing.
func (s *State) SaveDump(rec DumpRecord) error {
	if rec.Owner == "" || rec.Variant == "" {
		return fmt.Errorf("dump record needs owner and variant")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dumpsBucket).Put(dumpKey(rec.Owner, rec.Variant), rec.Data)
	})
}

// GetDump returns the dump for (owner, variant), or nil if none exists.
func (s *State) GetDump(owner, variant string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(dumpsBucket).Get(dumpKey(owner, variant)); v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// LoadAllDumps returns every persisted dump.
func (s *State) LoadAllDumps() ([]DumpRecord, error) {
	var out []DumpRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dumpsBucket).ForEach(func(k, v []byte) error {
			owner, variant, ok := strings.Cut(string(k), ":")
			if !ok {
				return fmt.Errorf("malformed dump key %q", k)
			}

			out = append(out, DumpRecord{
				Owner:   owner,
				Variant: variant,
				Data:    append([]byte(nil), v...),
			})

			return nil
		})
	})

	return out, err
}

// DeleteAllDumpsFor removes every dump belonging to owner.
func (s *State) DeleteAllDumpsFor(owner string) error {
	prefix := []byte(owner + ":")

	return s.db.Update(func(tx *bolt.Tx) error {
		return deletePrefix(tx.Bucket(dumpsBucket), prefix)
	})
}

// --- jobs ---

// SaveJob upserts the job record for its identity. There is at most one
// job per identity.
func (s *State) SaveJob(rec JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Put([]byte(rec.Identity), data)
	})
}

// DeleteJob removes the job record for identity.
func (s *State) DeleteJob(identity string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Delete([]byte(identity))
	})
}

// AllJobs returns every persisted job record.
func (s *State) AllJobs() ([]JobRecord, error) {
	var out []JobRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)

			return nil
		})
	})

	return out, err
}

// --- watermarks ---

// Watermark returns the latest processed network timestamp for a
// variant, or 0.
func (s *State) Watermark(variant string) int64 {
	var ts int64

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(watermarkBucket).Get([]byte(variant)); len(v) == 8 {
			ts = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return ts
}

// AdvanceWatermark stores max(ts, current) and returns the stored
// value. It never moves backward.
func (s *State) AdvanceWatermark(variant string, ts int64) (int64, error) {
	var result int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(watermarkBucket)

		var current int64
		if v := b.Get([]byte(variant)); len(v) == 8 {
			current = int64(binary.BigEndian.Uint64(v))
		}

		result = max(current, ts)
		if result == current && current != 0 {
			return nil
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(result))

		return b.Put([]byte(variant), buf)
	})

	return result, err
}

// --- retrieval cursors ---

func cursorKey(dest string, namespace int) []byte {
	return fmt.Appendf(nil, "%s:%d", dest, namespace)
}

// Cursor returns the last retrieved message hash for (dest, namespace).
func (s *State) Cursor(dest string, namespace int) string {
	var hash string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(cursorBucket).Get(cursorKey(dest, namespace)); v != nil {
			hash = string(v)
		}

		return nil
	})

	return hash
}

// SetCursor stores the last retrieved message hash for (dest, namespace).
func (s *State) SetCursor(dest string, namespace int, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(cursorKey(dest, namespace), []byte(hash))
	})
}

// DeleteCursorsFor drops all cursors for dest, used when a group is
// removed.
func (s *State) DeleteCursorsFor(dest string) error {
	prefix := dest + ":"

	return s.db.Update(func(tx *bolt.Tx) error {
		return deletePrefix(tx.Bucket(cursorBucket), []byte(prefix))
	})
}

// deletePrefix removes every key in b starting with prefix. Keys are
// collected first since deleting under a live cursor skips entries.
func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte

	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}
