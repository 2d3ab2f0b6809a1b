package dcdb

import (
	"fmt"
	"sync"

	"github.com/function61/drivecopy/pkg/dctypes"
	"go.etcd.io/bbolt"
)

// serialized record mutation, shipped to the peer controller after commit
type Change struct {
	RecordType string
	RaidGroup  dctypes.RaidGroupID
	Key        []byte
	Data       []byte // nil for deletions
	Deleted    bool
}

// write transaction that remembers what it changed
type Tx struct {
	tx      *bbolt.Tx
	changes []Change
}

func (t *Tx) Bolt() *bbolt.Tx {
	return t.tx
}

func (t *Tx) Read() *Queries {
	return Read(t.tx)
}

func (t *Tx) SaveVirtualDrive(vd *dctypes.VirtualDrive) error {
	vd.Generation++
	return t.save(recordTypeVirtualDrive, vd)
}

func (t *Tx) SaveRaidGroup(rg *dctypes.RaidGroup) error {
	return t.save(recordTypeRaidGroup, rg)
}

func (t *Tx) SaveRebuildMap(m *dctypes.RebuildMap) error {
	m.Generation++
	return t.save(recordTypeRebuildMap, m)
}

func (t *Tx) SaveCopyJob(job *dctypes.CopyJob) error {
	return t.save(recordTypeCopyJob, job)
}

func (t *Tx) DeleteCopyJob(job *dctypes.CopyJob) error {
	if err := CopyJobRepository.Delete(job, t.tx); err != nil {
		return err
	}

	t.changes = append(t.changes, Change{
		RecordType: recordTypeCopyJob,
		RaidGroup:  job.RaidGroup,
		Key:        CopyJobRepository.PrimaryKey(job),
		Deleted:    true,
	})

	return nil
}

func (t *Tx) SaveOwnership(o *dctypes.Ownership) error {
	return t.save(recordTypeOwnership, o)
}

// sparing config is controller pair wide, so unlike WriteSparingConfig() this replicates
func (t *Tx) SaveSparingConfig(conf SparingConfig) error {
	for _, value := range sparingConfigValues(conf) {
		if err := t.save(recordTypeConfig, value); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tx) save(recordType string, record interface{}) error {
	repo := RepoByRecordType[recordType]

	if err := repo.Update(record, t.tx); err != nil {
		return fmt.Errorf("save %s: %w", recordType, err)
	}

	data, err := repo.Encode(record)
	if err != nil {
		return err
	}

	t.changes = append(t.changes, Change{
		RecordType: recordType,
		RaidGroup:  raidGroupOf(record),
		Key:        repo.PrimaryKey(record),
		Data:       data,
	})

	return nil
}

type Store struct {
	db          *bbolt.DB
	commitHooks []func([]Change)
	hooksMu     sync.Mutex
}

func NewStore(db *bbolt.DB) *Store {
	return &Store{
		db:          db,
		commitHooks: []func([]Change){},
	}
}

func (s *Store) DB() *bbolt.DB {
	return s.db
}

// called with the changes of every successful Update(), after commit
func (s *Store) OnCommit(hook func([]Change)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	s.commitHooks = append(s.commitHooks, hook)
}

func (s *Store) View(fn func(q *Queries) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(Read(tx))
	})
}

func (s *Store) Update(fn func(tx *Tx) error) error {
	wrapped := &Tx{}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		wrapped.tx = tx
		return fn(wrapped)
	}); err != nil {
		return err
	}

	if len(wrapped.changes) > 0 {
		s.hooksMu.Lock()
		hooks := append([]func([]Change){}, s.commitHooks...)
		s.hooksMu.Unlock()

		for _, hook := range hooks {
			hook(wrapped.changes)
		}
	}

	return nil
}

// applies changes that were committed on the peer. versioned records older than what we
// already have are skipped, so redelivery and reordering are harmless. commit hooks are not run
func (s *Store) ApplyReplicated(changes []Change) (int, error) {
	applied := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		applied = 0

		for _, change := range changes {
			repo, found := RepoByRecordType[change.RecordType]
			if !found {
				return fmt.Errorf("ApplyReplicated: unknown record type %s", change.RecordType)
			}

			existing := repo.Alloc()
			errExisting := repo.OpenByPrimaryKey(change.Key, existing, tx)
			if errExisting != nil && errExisting != ErrNotFound {
				return errExisting
			}

			if change.Deleted {
				if errExisting == ErrNotFound {
					continue
				}

				if err := repo.Delete(existing, tx); err != nil {
					return err
				}

				applied++
				continue
			}

			incoming, err := repo.Decode(change.Data)
			if err != nil {
				return fmt.Errorf("ApplyReplicated: %s: %w", change.RecordType, err)
			}

			if errExisting == nil && generationOf(incoming) != 0 && generationOf(incoming) <= generationOf(existing) {
				continue // stale or duplicate
			}

			if err := repo.Update(incoming, tx); err != nil {
				return err
			}

			applied++
		}

		return nil
	})

	return applied, err
}

// full image of records scoped to a raid group, for resynchronizing a peer that was away
func (s *Store) Snapshot(rg dctypes.RaidGroupID) ([]Change, error) {
	changes := []Change{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		for recordType, repo := range RepoByRecordType {
			if err := repo.Each(func(record interface{}) error {
				if raidGroupOf(record) != rg {
					return nil
				}

				data, err := repo.Encode(record)
				if err != nil {
					return err
				}

				changes = append(changes, Change{
					RecordType: recordType,
					RaidGroup:  rg,
					Key:        repo.PrimaryKey(record),
					Data:       data,
				})

				return nil
			}, tx); err != nil {
				return err
			}
		}

		return nil
	})

	return changes, err
}
