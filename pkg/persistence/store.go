package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/fleetsense/fleetsense/pkg/metrics"
)

// Kind selects which document slot a blob occupies. At most one blob is
// stored per kind; payloads are stored separately and keyed by time.
type Kind string

const (
	KindDecoderManifest   Kind = "decoder_manifest"
	KindCollectionSchemes Kind = "collection_schemes"
	KindStateTemplates    Kind = "state_templates"
)

var (
	// ErrDiskFull is returned when a write would exceed the byte budget.
	ErrDiskFull = errors.New("persistence byte budget exceeded")
	// ErrDecodeFailed is returned when a stored blob fails its checksum.
	// Callers proceed as if nothing was persisted.
	ErrDecodeFailed = errors.New("persisted blob corrupt")
	// ErrNotFound is returned when no blob exists for a kind or key.
	ErrNotFound = errors.New("no persisted blob")
)

var (
	bucketDocuments = []byte("documents")
	bucketPayloads  = []byte("payloads")
)

// checksumLen is the blake3 prefix stored ahead of every blob.
const checksumLen = 32

// Store is the bbolt-backed blob store shared by the campaign manager and
// the uploader. All writes are last-writer-wins; a single byte budget
// covers documents and payloads together.
type Store struct {
	db       *bolt.DB
	maxBytes uint64

	mu   sync.Mutex
	used uint64
	seq  uint64
}

// Open creates or opens the store in dataDir with the given byte budget.
func Open(dataDir string, maxBytes uint64) (*Store, error) {
	dbPath := filepath.Join(dataDir, "fleetsense.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, maxBytes: maxBytes}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDocuments, bucketPayloads} {
			b, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
			if err := b.ForEach(func(k, v []byte) error {
				s.used += uint64(len(k) + len(v))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	metrics.PersistenceBytesUsed.Set(float64(s.used))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Used returns the bytes currently accounted against the budget.
func (s *Store) Used() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// seal prefixes the blob with its blake3 checksum.
func seal(blob []byte) []byte {
	sum := blake3.Sum256(blob)
	out := make([]byte, 0, checksumLen+len(blob))
	out = append(out, sum[:]...)
	return append(out, blob...)
}

// unseal verifies and strips the checksum prefix.
func unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < checksumLen {
		return nil, ErrDecodeFailed
	}
	blob := sealed[checksumLen:]
	sum := blake3.Sum256(blob)
	if !bytes.Equal(sum[:], sealed[:checksumLen]) {
		return nil, ErrDecodeFailed
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Write stores a document blob under its kind, replacing any previous one.
func (s *Store) Write(kind Kind, blob []byte) error {
	return s.put(bucketDocuments, []byte(kind), blob)
}

// Read returns the document blob for a kind. ErrNotFound when absent,
// ErrDecodeFailed when corrupt.
func (s *Store) Read(kind Kind) ([]byte, error) {
	return s.get(bucketDocuments, []byte(kind))
}

// Erase removes the document blob for a kind. Erasing an absent kind is a
// no-op.
func (s *Store) Erase(kind Kind) error {
	return s.delete(bucketDocuments, []byte(kind))
}

// WritePayload stores a triggered data payload keyed by its trigger time
// and a process-local sequence number, so payloads replay oldest first.
func (s *Store) WritePayload(timestampMs uint64, blob []byte) (string, error) {
	s.mu.Lock()
	s.seq++
	key := fmt.Sprintf("payload-%020d-%06d", timestampMs, s.seq)
	s.mu.Unlock()

	if err := s.put(bucketPayloads, []byte(key), blob); err != nil {
		return "", err
	}
	return key, nil
}

// ReadPayload returns one payload blob by key.
func (s *Store) ReadPayload(key string) ([]byte, error) {
	return s.get(bucketPayloads, []byte(key))
}

// ErasePayload removes one payload blob.
func (s *Store) ErasePayload(key string) error {
	return s.delete(bucketPayloads, []byte(key))
}

// ListPayloads returns all payload keys in oldest-first order.
func (s *Store) ListPayloads() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPayloads).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// EraseOldestPayload removes the oldest payload to relieve quota pressure.
// Returns ErrNotFound when no payloads remain.
func (s *Store) EraseOldestPayload() error {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketPayloads).Cursor().First()
		if k != nil {
			key = append([]byte(nil), k...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if key == nil {
		return ErrNotFound
	}
	return s.delete(bucketPayloads, key)
}

func (s *Store) put(bucket, key, blob []byte) error {
	sealed := seal(blob)

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevSize uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get(key); v != nil {
			prevSize = uint64(len(key) + len(v))
		}
		return nil
	})
	if err != nil {
		return err
	}

	newSize := uint64(len(key) + len(sealed))
	if s.maxBytes > 0 && s.used-prevSize+newSize > s.maxBytes {
		return ErrDiskFull
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, sealed)
	})
	if err != nil {
		return err
	}
	s.used = s.used - prevSize + newSize
	metrics.PersistenceBytesUsed.Set(float64(s.used))
	return nil
}

func (s *Store) get(bucket, key []byte) ([]byte, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get(key); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, ErrNotFound
	}
	return unseal(sealed)
}

func (s *Store) delete(bucket, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if v := b.Get(key); v != nil {
			size = uint64(len(key) + len(v))
		}
		return b.Delete(key)
	})
	if err != nil {
		return err
	}
	s.used -= size
	metrics.PersistenceBytesUsed.Set(float64(s.used))
	return nil
}
