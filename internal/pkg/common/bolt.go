package common

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	DuelsBucket        = "duels"
	OpenDuelsBucket    = "duels:open"
	PlayersBucket      = "players"
	EscrowLockedBucket = "escrow:locked"
	EscrowTotalsBucket = "escrow:totals"
)

// Buckets lists every bucket the engine relies on.
func Buckets() []string {
	return []string{
		DuelsBucket,
		OpenDuelsBucket,
		PlayersBucket,
		EscrowLockedBucket,
		EscrowTotalsBucket,
	}
}

type DatabaseService struct {
	DB *bolt.DB
}

func NewDatabaseService(i do.Injector) (*DatabaseService, error) {
	dataDir := do.MustInvokeNamed[string](i, "data-dir")

	err := os.MkdirAll(dataDir, 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create database path: %w", err)
	}

	return Open(path.Join(dataDir, "speedduel.db"))
}

// Open opens (or creates) the database at dbPath and ensures all engine
// buckets exist. Tests open throwaway databases through this as well.
func Open(dbPath string) (*DatabaseService, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range Buckets() {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database buckets: %w", err)
	}

	return &DatabaseService{
		DB: db,
	}, nil
}

func (s *DatabaseService) Shutdown() error {
	//nolint:wrapcheck
	return s.DB.Close()
}

// Uint64ToKey encodes a duel id as a big-endian bucket key so cursor order
// matches creation order.
func Uint64ToKey(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)

	return buf
}

func KeyToUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}

// Int64ToBytes encodes a stored amount or counter value.
func Int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	//nolint:gosec // Intentional conversion for binary encoding
	binary.LittleEndian.PutUint64(buf, uint64(i))

	return buf
}

func BytesToInt64(b []byte, _default int64) int64 {
	if len(b) == 0 {
		return _default
	}

	//nolint:gosec // Intentional conversion from binary encoding
	return int64(binary.LittleEndian.Uint64(b))
}
