package blorm

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"go.etcd.io/bbolt"
)

type testDrive struct {
	ID    string
	Group string
}

var testRepo = NewSimpleRepo("drives", func() interface{} {
	return &testDrive{}
}, func(record interface{}) []byte {
	return []byte(record.(*testDrive).ID)
})

var testByGroup = NewValueIndex("by_group", testRepo, func(record interface{}) []byte {
	return []byte(record.(*testDrive).Group)
})

func openTestDb(t *testing.T) *bbolt.DB {
	t.Helper()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0700, nil)
	assert.Assert(t, err == nil)
	t.Cleanup(func() { _ = db.Close() })

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		return testRepo.Bootstrap(tx)
	}) == nil)

	return db
}

func groupMembers(t *testing.T, db *bbolt.DB, group string) string {
	ids := []string{}
	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		return testByGroup.Query([]byte(group), func(id []byte) error {
			ids = append(ids, string(id))
			return nil
		}, tx)
	}) == nil)

	sort.Strings(ids)

	return strings.Join(ids, ",")
}

func TestUpdateAndIndex(t *testing.T) {
	db := openTestDb(t)

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		for _, drive := range []*testDrive{
			{ID: "vd1", Group: "rg1"},
			{ID: "vd2", Group: "rg1"},
			{ID: "vd3", Group: "rg2"},
		} {
			if err := testRepo.Update(drive, tx); err != nil {
				return err
			}
		}
		return nil
	}) == nil)

	assert.EqualString(t, groupMembers(t, db, "rg1"), "vd1,vd2")
	assert.EqualString(t, groupMembers(t, db, "rg2"), "vd3")
	assert.EqualString(t, groupMembers(t, db, "rg3"), "")

	// moving a record between groups must drop the stale index entry
	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		return testRepo.Update(&testDrive{ID: "vd2", Group: "rg2"}, tx)
	}) == nil)

	assert.EqualString(t, groupMembers(t, db, "rg1"), "vd1")
	assert.EqualString(t, groupMembers(t, db, "rg2"), "vd2,vd3")

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		return testRepo.Delete(&testDrive{ID: "vd3", Group: "rg2"}, tx)
	}) == nil)

	assert.EqualString(t, groupMembers(t, db, "rg2"), "vd2")

	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		return testRepo.OpenByPrimaryKey([]byte("vd3"), &testDrive{}, tx)
	}) == ErrNotFound)
}

func TestEachStopIteration(t *testing.T) {
	db := openTestDb(t)

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if err := testRepo.Update(&testDrive{ID: id}, tx); err != nil {
				return err
			}
		}
		return nil
	}) == nil)

	seen := []string{}
	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		return testRepo.Each(func(record interface{}) error {
			seen = append(seen, record.(*testDrive).ID)
			if len(seen) == 2 {
				return StopIteration
			}
			return nil
		}, tx)
	}) == nil)

	assert.EqualString(t, strings.Join(seen, ","), "a,b")
}

func TestEncodeDecode(t *testing.T) {
	data, err := testRepo.Encode(&testDrive{ID: "vd9", Group: "rg9"})
	assert.Assert(t, err == nil)

	decoded, err := testRepo.Decode(data)
	assert.Assert(t, err == nil)
	assert.EqualString(t, decoded.(*testDrive).Group, "rg9")
	assert.EqualString(t, string(testRepo.PrimaryKey(decoded)), "vd9")
}
