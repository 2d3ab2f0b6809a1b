package blorm

import (
	"go.etcd.io/bbolt"
)

/*	value index (example: by_raidgroup)
	-----------
	(partition=value, id) = nil
*/

type ValueIndex struct {
	repo           *SimpleRepository
	bucketName     []byte // <repoBucketName>:<indexName>
	valueExtractor func(record interface{}) []byte
}

// values are single-valued per record. empty value = record not indexed
func NewValueIndex(name string, repo *SimpleRepository, valueExtractor func(record interface{}) []byte) *ValueIndex {
	idx := &ValueIndex{
		repo:           repo,
		bucketName:     []byte(string(repo.bucketName) + ":" + name),
		valueExtractor: valueExtractor,
	}

	repo.indices = append(repo.indices, idx)

	return idx
}

// return StopIteration if you want to stop mid-iteration (nil error will be returned by Query() )
func (v *ValueIndex) Query(value []byte, fn func(id []byte) error, tx *bbolt.Tx) error {
	indexBucket := tx.Bucket(v.bucketName)
	if indexBucket == nil {
		return errNoBucket
	}

	partition := indexBucket.Bucket(value)
	if partition == nil { // nothing indexed with this value
		return nil
	}

	ids := partition.Cursor()
	for id, _ := ids.First(); id != nil; id, _ = ids.Next() {
		if err := fn(id); err != nil {
			if err == StopIteration {
				return nil
			}

			return err
		}
	}

	return nil
}

func (v *ValueIndex) add(record interface{}, tx *bbolt.Tx) error {
	value := v.valueExtractor(record)
	if len(value) == 0 {
		return nil
	}

	indexBucket := tx.Bucket(v.bucketName)
	if indexBucket == nil {
		return errNoBucket
	}

	partition, err := indexBucket.CreateBucketIfNotExists(value)
	if err != nil {
		return err
	}

	return partition.Put(v.repo.idExtractor(record), nil)
}

func (v *ValueIndex) drop(record interface{}, tx *bbolt.Tx) error {
	value := v.valueExtractor(record)
	if len(value) == 0 {
		return nil
	}

	indexBucket := tx.Bucket(v.bucketName)
	if indexBucket == nil {
		return errNoBucket
	}

	partition := indexBucket.Bucket(value)
	if partition == nil {
		return nil
	}

	return partition.Delete(v.repo.idExtractor(record))
}
