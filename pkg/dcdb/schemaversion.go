package dcdb

import (
	"encoding/binary"
	"errors"

	"go.etcd.io/bbolt"
)

const (
	CurrentSchemaVersion = 1
)

var (
	metaBucketKey    = []byte("_meta")
	schemaVersionKey = []byte("schemaVersion")
)

var errNoSchemaVersion = errors.New("schema version not found")

// returns errNoSchemaVersion if DB has not been bootstrapped
func ReadSchemaVersion(tx *bbolt.Tx) (uint32, error) {
	metaBucket := tx.Bucket(metaBucketKey)
	if metaBucket == nil {
		return 0, errNoSchemaVersion
	}

	version := metaBucket.Get(schemaVersionKey)
	if len(version) != 4 {
		return 0, errNoSchemaVersion
	}

	return binary.LittleEndian.Uint32(version), nil
}

func WriteSchemaVersion(version uint32, tx *bbolt.Tx) error {
	metaBucket, err := tx.CreateBucketIfNotExists(metaBucketKey)
	if err != nil {
		return err
	}

	schemaVersionInDb := make([]byte, 4)
	binary.LittleEndian.PutUint32(schemaVersionInDb[:], version)

	return metaBucket.Put(schemaVersionKey, schemaVersionInDb)
}
