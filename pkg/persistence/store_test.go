package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T, maxBytes uint64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadErase(t *testing.T) {
	s := openTestStore(t, 1024*1024)

	require.NoError(t, s.Write(KindDecoderManifest, []byte("manifest-blob")))

	got, err := s.Read(KindDecoderManifest)
	require.NoError(t, err)
	assert.Equal(t, []byte("manifest-blob"), got)

	require.NoError(t, s.Erase(KindDecoderManifest))
	_, err = s.Read(KindDecoderManifest)
	assert.ErrorIs(t, err, ErrNotFound)

	// Erasing an absent kind is a no-op.
	assert.NoError(t, s.Erase(KindDecoderManifest))
}

func TestLastWriterWinsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 1024*1024)
	require.NoError(t, err)
	require.NoError(t, s.Write(KindCollectionSchemes, []byte("v1")))
	require.NoError(t, s.Write(KindCollectionSchemes, []byte("v2")))
	require.NoError(t, s.Close())

	s, err = Open(dir, 1024*1024)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Read(KindCollectionSchemes)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestDiskFull(t *testing.T) {
	s := openTestStore(t, 128)

	err := s.Write(KindDecoderManifest, make([]byte, 256))
	assert.ErrorIs(t, err, ErrDiskFull)

	// Small writes still fit, and replacing a blob reuses its budget.
	require.NoError(t, s.Write(KindDecoderManifest, make([]byte, 32)))
	require.NoError(t, s.Write(KindDecoderManifest, make([]byte, 48)))
}

func TestPayloadOrderingAndEviction(t *testing.T) {
	s := openTestStore(t, 1024*1024)

	k1, err := s.WritePayload(1000, []byte("first"))
	require.NoError(t, err)
	k2, err := s.WritePayload(2000, []byte("second"))
	require.NoError(t, err)
	k3, err := s.WritePayload(2000, []byte("third"))
	require.NoError(t, err)

	keys, err := s.ListPayloads()
	require.NoError(t, err)
	assert.Equal(t, []string{k1, k2, k3}, keys)

	require.NoError(t, s.EraseOldestPayload())
	keys, err = s.ListPayloads()
	require.NoError(t, err)
	assert.Equal(t, []string{k2, k3}, keys)

	got, err := s.ReadPayload(k2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestCorruptBlobReturnsDecodeFailed(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1024*1024)
	require.NoError(t, err)
	require.NoError(t, s.Write(KindStateTemplates, []byte("state")))
	require.NoError(t, s.Close())

	// Flip a payload byte behind the store's back.
	db, err := bolt.Open(dir+"/fleetsense.db", 0600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("documents"))
		v := append([]byte(nil), b.Get([]byte(KindStateTemplates))...)
		v[len(v)-1] ^= 0xFF
		return b.Put([]byte(KindStateTemplates), v)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err = Open(dir, 1024*1024)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read(KindStateTemplates)
	assert.ErrorIs(t, err, ErrDecodeFailed)
}
