// "Bolt Light ORM", doesn't do much else than persist structs into Bolt..
package blorm

import (
	"errors"

	"go.etcd.io/bbolt"
)

var (
	ErrNotFound   = errors.New("database: record not found")
	StopIteration = errors.New("blorm: stop iteration")
	errNoBucket   = errors.New("blorm: bucket not found (forgot Bootstrap()?)")
)

type Repository interface {
	Bootstrap(tx *bbolt.Tx) error
	OpenByPrimaryKey(id []byte, record interface{}, tx *bbolt.Tx) error
	Update(record interface{}, tx *bbolt.Tx) error
	Delete(record interface{}, tx *bbolt.Tx) error
	// return blorm.StopIteration from "fn" to stop iteration. that error is not returned
	// to the API caller
	Each(fn func(record interface{}) error, tx *bbolt.Tx) error
	Alloc() interface{}
	// serialized form, used for shipping records to another node
	Encode(record interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
	PrimaryKey(record interface{}) []byte
}
