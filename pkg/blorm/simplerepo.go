package blorm

import (
	"errors"

	"github.com/asdine/storm/codec/msgpack"
	"go.etcd.io/bbolt"
)

type SimpleRepository struct {
	bucketName  []byte
	alloc       func() interface{}
	idExtractor func(record interface{}) []byte
	indices     []*ValueIndex
}

func NewSimpleRepo(bucketName string, allocator func() interface{}, idExtractor func(interface{}) []byte) *SimpleRepository {
	return &SimpleRepository{
		bucketName:  []byte(bucketName),
		alloc:       allocator,
		idExtractor: idExtractor,
		indices:     []*ValueIndex{},
	}
}

var _ Repository = (*SimpleRepository)(nil)

func (r *SimpleRepository) Bootstrap(tx *bbolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(r.bucketName); err != nil {
		return err
	}

	for _, idx := range r.indices {
		if _, err := tx.CreateBucketIfNotExists(idx.bucketName); err != nil {
			return err
		}
	}

	return nil
}

func (r *SimpleRepository) Alloc() interface{} {
	return r.alloc()
}

func (r *SimpleRepository) PrimaryKey(record interface{}) []byte {
	return r.idExtractor(record)
}

func (r *SimpleRepository) Encode(record interface{}) ([]byte, error) {
	return msgpack.Codec.Marshal(record)
}

func (r *SimpleRepository) Decode(data []byte) (interface{}, error) {
	record := r.alloc()
	if err := msgpack.Codec.Unmarshal(data, record); err != nil {
		return nil, err
	}

	return record, nil
}

func (r *SimpleRepository) OpenByPrimaryKey(id []byte, record interface{}, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	data := bucket.Get(id)
	if data == nil {
		return ErrNotFound
	}

	return msgpack.Codec.Unmarshal(data, record)
}

func (r *SimpleRepository) Update(record interface{}, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	id := r.idExtractor(record)

	data, err := msgpack.Codec.Marshal(record)
	if err != nil {
		return err
	}

	oldImage := r.alloc()

	errOpenOld := r.OpenByPrimaryKey(id, oldImage, tx)
	if errOpenOld != nil && errOpenOld != ErrNotFound {
		return errOpenOld
	}

	for _, idx := range r.indices {
		if errOpenOld != ErrNotFound { // we have old and new image, must drop stale index entry
			if err := idx.drop(oldImage, tx); err != nil {
				return err
			}
		}

		if err := idx.add(record, tx); err != nil {
			return err
		}
	}

	return bucket.Put(id, data)
}

func (r *SimpleRepository) Delete(record interface{}, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	id := r.idExtractor(record)

	if bucket.Get(id) == nil { // bucket.Delete() does not return error for non-existing keys
		return errors.New("record to delete does not exist")
	}

	for _, idx := range r.indices {
		if err := idx.drop(record, tx); err != nil {
			return err
		}
	}

	return bucket.Delete(id)
}

func (r *SimpleRepository) Each(fn func(record interface{}) error, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	all := bucket.Cursor()
	for key, value := all.First(); key != nil; key, value = all.Next() {
		record := r.alloc()

		if err := msgpack.Codec.Unmarshal(value, record); err != nil {
			return err
		}

		if err := fn(record); err != nil {
			if err == StopIteration {
				return nil // not an error, so don't give one out
			}

			return err
		}
	}

	return nil
}
