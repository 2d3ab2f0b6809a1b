// Keeps the two controllers of a pair in agreement: who drives which raid group (ownership
// with an epoch as fencing token), replication of committed metadata to the peer, and
// takeover when the peer goes silent
package dualsp

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/gokit/logex"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrStaleEpoch       = errors.New("stale ownership epoch")
	ErrLinkDown         = errors.New("peer link down")
	ErrUnknownRaidGroup = errors.New("unknown raid group")
)

// the copy engine, as seen by the synchronizer. implemented by *copyjob.Orchestrator
type Engine interface {
	Resume(rg dctypes.RaidGroupID, now time.Time) error
	StepDown(rg dctypes.RaidGroupID)
	OnReplicated(changes []dcdb.Change)
}

type Config struct {
	Self  dctypes.ControllerID
	Peer  dctypes.ControllerID // "" = no peer, we own everything
	Lease time.Duration        // peer silent for longer than this = peer is gone
}

// an owner that has not heard from its peer for this long stops driving its groups, so that
// it is quiet before the peer takes over at the full lease
func (c Config) selfFence() time.Duration {
	return c.Lease / 2
}

// not safe for concurrent use except for IsActive(), Epoch() and Owners(). the scheduler
// serializes the rest
type Synchronizer struct {
	conf     Config
	store    *dcdb.Store
	link     Link
	engine   Engine
	owners   map[dctypes.RaidGroupID]dctypes.Ownership
	ownersMu sync.Mutex
	peerSeen time.Time
	// owned groups we stopped driving since the peer went silent. guarded by ownersMu
	suspended  map[dctypes.RaidGroupID]bool
	peerEpochs map[dctypes.RaidGroupID]uint64 // epochs in the peer's last heartbeat
	reclaimed  map[dctypes.RaidGroupID]bool   // by an operator. not fenced until the peer is heard from
	fenced     map[dctypes.RaidGroupID]bool   // lost while replicating, engine not told yet
	resync     map[dctypes.RaidGroupID]bool   // peer needs a full image
	wantSnap   bool                           // our own image may be stale
	logl       *logex.Leveled
}

func New(conf Config, store *dcdb.Store, link Link, logger *log.Logger) *Synchronizer {
	if conf.Lease == 0 {
		conf.Lease = 10 * time.Second
	}

	return &Synchronizer{
		conf:       conf,
		store:      store,
		link:       link,
		owners:     map[dctypes.RaidGroupID]dctypes.Ownership{},
		fenced:     map[dctypes.RaidGroupID]bool{},
		resync:     map[dctypes.RaidGroupID]bool{},
		suspended:  map[dctypes.RaidGroupID]bool{},
		peerEpochs: map[dctypes.RaidGroupID]uint64{},
		reclaimed:  map[dctypes.RaidGroupID]bool{},
		logl:       logex.Levels(logger),
	}
}

// loads ownership and claims groups nobody owns yet that prefer us. must be called before
// the engine starts, since the engine asks us which groups it drives
func (s *Synchronizer) Start(engine Engine, now time.Time) error {
	s.engine = engine
	s.peerSeen = now

	var groups []dctypes.RaidGroup
	if err := s.store.View(func(q *dcdb.Queries) error {
		var err error
		groups, err = q.RaidGroups()
		return err
	}); err != nil {
		return err
	}

	if err := s.reloadOwners(); err != nil {
		return err
	}

	for _, rg := range groups {
		if _, owned := s.ownership(rg.ID); owned {
			continue
		}

		if s.conf.Peer != "" && rg.PreferredOwner != s.conf.Self {
			continue // peer claims it, or we do after its lease runs out
		}

		if err := s.claim(rg.ID); err != nil {
			return err
		}
	}

	if s.conf.Peer != "" {
		s.wantSnap = true // until the request gets through
		s.requestSnapshot()
	}

	return nil
}

func (s *Synchronizer) IsActive(rg dctypes.RaidGroupID) bool {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()

	owner, owned := s.owners[rg]
	return owned && owner.Owner == s.conf.Self && !s.suspended[rg]
}

func (s *Synchronizer) Epoch(rg dctypes.RaidGroupID) uint64 {
	owner, _ := s.ownership(rg)
	return owner.Epoch
}

func (s *Synchronizer) Owners() []dctypes.Ownership {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()

	owners := lo.Values(s.owners)
	sort.Slice(owners, func(i, j int) bool { return owners[i].RaidGroup < owners[j].RaidGroup })

	return owners
}

// commit hook of our store: ships what we committed to the peer, one message per raid group
func (s *Synchronizer) Replicate(changes []dcdb.Change) {
	if s.conf.Peer == "" {
		return
	}

	byGroup := lo.GroupBy(changes, func(change dcdb.Change) dctypes.RaidGroupID {
		return change.RaidGroup
	})

	for _, rg := range lo.Keys(byGroup) {
		msg := &Message{
			Kind:      KindChanges,
			From:      s.conf.Self,
			RaidGroup: rg,
			Epoch:     s.Epoch(rg),
			Changes:   byGroup[rg],
		}

		if err := s.link.Send(msg); err != nil {
			s.sendFailed(rg, err)
		}
	}
}

// message from the peer. stale writers are refused with ErrStaleEpoch
func (s *Synchronizer) Receive(msg *Message, now time.Time) error {
	if msg.From != s.conf.Peer {
		return fmt.Errorf("message from unknown controller %s", msg.From)
	}

	s.peerSeen = now
	s.reclaimed = map[dctypes.RaidGroupID]bool{}

	switch msg.Kind {
	case KindHeartbeat:
		s.peerEpochs = map[dctypes.RaidGroupID]uint64{}

		for _, theirs := range msg.Owners {
			s.peerEpochs[theirs.RaidGroup] = theirs.Epoch

			if ours, _ := s.ownership(theirs.RaidGroup); theirs.Epoch > ours.Epoch {
				s.logl.Info.Printf("peer knows %s at epoch %d, we at %d: resyncing", theirs.RaidGroup, theirs.Epoch, ours.Epoch)
				s.wantSnap = true
			}
		}
		return nil
	case KindSnapshotRequest:
		for _, rg := range s.ownedGroups() {
			s.resync[rg] = true
		}
		s.sendResyncs()
		return nil
	case KindChanges, KindSnapshot:
		return s.apply(msg)
	default:
		return fmt.Errorf("unknown message kind: %s", msg.Kind)
	}
}

// liveness signal to the peer. also flushes pending resyncs both ways
func (s *Synchronizer) Heartbeat(now time.Time) {
	if s.conf.Peer == "" {
		return
	}

	if err := s.link.Send(&Message{
		Kind:   KindHeartbeat,
		From:   s.conf.Self,
		Owners: s.Owners(),
	}); err != nil {
		s.logl.Debug.Printf("heartbeat: %v", err)
		return
	}

	if s.wantSnap {
		s.requestSnapshot()
	}

	s.sendResyncs()
}

// fences our own groups when the peer has been silent for half a lease, takes over groups
// of a peer whose lease ran out and tells the engine about groups that were lost. returns
// the groups taken over
func (s *Synchronizer) CheckFailover(now time.Time) []dctypes.RaidGroupID {
	for _, rg := range lo.Keys(s.fenced) {
		delete(s.fenced, rg)

		s.logl.Error.Printf("%s: fenced by peer, stepping down", rg)

		if s.engine != nil {
			s.engine.StepDown(rg)
		}
	}

	if s.conf.Peer == "" {
		return nil
	}

	silence := now.Sub(s.peerSeen)

	if silence > s.conf.selfFence() {
		s.suspendOwned()
	} else {
		s.resumeSuspended(now)
	}

	if silence <= s.conf.Lease {
		return nil
	}

	var groups []dctypes.RaidGroup
	if err := s.store.View(func(q *dcdb.Queries) error {
		var err error
		groups, err = q.RaidGroups()
		return err
	}); err != nil {
		s.logl.Error.Printf("CheckFailover: %v", err)
		return nil
	}

	taken := []dctypes.RaidGroupID{}

	for _, rg := range groups {
		// our own groups, fenced or not, are the peer's to take. both of us claiming the same
		// group is how a cut interconnect ends up with two writers
		if owner, owned := s.ownership(rg.ID); owned && owner.Owner == s.conf.Self {
			continue
		}

		s.logl.Error.Printf(
			"peer %s silent since %s, taking over %s",
			s.conf.Peer,
			s.peerSeen.Format(time.RFC3339),
			rg.ID)

		if err := s.claim(rg.ID); err != nil {
			s.logl.Error.Printf("CheckFailover: claim %s: %v", rg.ID, err)
			continue
		}

		taken = append(taken, rg.ID)

		if s.engine != nil {
			if err := s.engine.Resume(rg.ID, now); err != nil {
				s.logl.Error.Printf("CheckFailover: resume %s: %v", rg.ID, err)
			}
		}
	}

	return taken
}

// for an operator who knows the peer is down for good: our fenced groups are not taken over
// by anyone until the peer comes back
func (s *Synchronizer) Reclaim(rg dctypes.RaidGroupID, now time.Time) error {
	if _, owned := s.ownership(rg); !owned {
		return fmt.Errorf("%w %s", ErrUnknownRaidGroup, rg)
	}

	if s.IsActive(rg) {
		return nil
	}

	if err := s.claim(rg); err != nil {
		return err
	}

	s.setSuspended(rg, false)
	s.reclaimed[rg] = true

	s.logl.Info.Printf("%s: reclaimed by operator", rg)

	if s.engine != nil {
		return s.engine.Resume(rg, now)
	}

	return nil
}

func (s *Synchronizer) suspendOwned() {
	for _, rg := range s.ownedGroups() {
		if !s.IsActive(rg) || s.reclaimed[rg] {
			continue
		}

		s.logl.Error.Printf("%s: peer %s silent since %s, suspending", rg, s.conf.Peer, s.peerSeen.Format(time.RFC3339))

		s.setSuspended(rg, true)

		if s.engine != nil {
			s.engine.StepDown(rg)
		}
	}
}

// the peer is back. groups it did not claim meanwhile are ours to drive again
func (s *Synchronizer) resumeSuspended(now time.Time) {
	for _, rg := range s.suspendedGroups() {
		ours, owned := s.ownership(rg)

		switch {
		case !owned || ours.Owner != s.conf.Self: // taken over, and we already know it
			s.setSuspended(rg, false)
		case s.peerEpochs[rg] > ours.Epoch: // taken over, snapshot still on its way
			continue
		default:
			s.setSuspended(rg, false)

			s.logl.Info.Printf("%s: peer %s back, resuming", rg, s.conf.Peer)

			if s.engine != nil {
				if err := s.engine.Resume(rg, now); err != nil {
					s.logl.Error.Printf("resume %s: %v", rg, err)
				}
			}
		}
	}
}

func (s *Synchronizer) apply(msg *Message) error {
	if msg.RaidGroup != "" { // group-less records (config) are not fenced
		ours, owned := s.ownership(msg.RaidGroup)

		switch {
		case owned && msg.Epoch < ours.Epoch:
			return fmt.Errorf("%s epoch %d < %d: %w", msg.RaidGroup, msg.Epoch, ours.Epoch, ErrStaleEpoch)
		case owned && msg.Epoch == ours.Epoch && ours.Owner == s.conf.Self:
			return fmt.Errorf("%s epoch %d is ours: %w", msg.RaidGroup, msg.Epoch, ErrStaleEpoch)
		}
	}

	wasActive := s.IsActive(msg.RaidGroup)

	applied, err := s.store.ApplyReplicated(msg.Changes)
	if err != nil {
		return err
	}

	if err := s.reloadOwners(); err != nil {
		return err
	}

	s.logl.Debug.Printf("%s from %s: %d/%d applied", msg.Kind, msg.From, applied, len(msg.Changes))

	if s.engine == nil {
		return nil
	}

	if wasActive && !s.IsActive(msg.RaidGroup) {
		s.logl.Error.Printf("%s: peer took over at epoch %d, stepping down", msg.RaidGroup, s.Epoch(msg.RaidGroup))
		s.engine.StepDown(msg.RaidGroup)
	}

	s.engine.OnReplicated(msg.Changes)

	return nil
}

// new epoch with us as the owner. the record replicates to the peer like any other
func (s *Synchronizer) claim(rg dctypes.RaidGroupID) error {
	previous, _ := s.ownership(rg)

	claimed := dctypes.Ownership{
		RaidGroup: rg,
		Owner:     s.conf.Self,
		Epoch:     previous.Epoch + 1,
		Token:     uuid.New().String(),
	}

	// cached first so that replication of the record carries the new epoch
	s.setOwnership(claimed)

	if err := s.store.Update(func(tx *dcdb.Tx) error {
		return tx.SaveOwnership(&claimed)
	}); err != nil {
		s.setOwnership(previous)
		return err
	}

	s.logl.Info.Printf("%s: owned at epoch %d", rg, claimed.Epoch)

	return nil
}

func (s *Synchronizer) sendFailed(rg dctypes.RaidGroupID, err error) {
	if errors.Is(err, ErrStaleEpoch) {
		s.logl.Error.Printf("%s: peer refused our writes: %v", rg, err)

		if s.IsActive(rg) {
			lost, _ := s.ownership(rg)
			lost.Owner = s.conf.Peer
			s.setOwnership(lost)

			s.fenced[rg] = true
		}

		s.wantSnap = true
		return
	}

	s.logl.Error.Printf("replicate %s: %v", rg, err)

	if rg != "" {
		s.resync[rg] = true
	}
}

// for links that queue messages and deliver them later. Send() having returned nil says
// nothing about the peer accepting the message
func (s *Synchronizer) DeliveryFailed(msg *Message, err error) {
	switch msg.Kind {
	case KindChanges, KindSnapshot:
		s.sendFailed(msg.RaidGroup, err)
	case KindSnapshotRequest:
		s.wantSnap = true
	}
}

// a lost reply is noticed through heartbeats carrying a newer epoch than ours
func (s *Synchronizer) requestSnapshot() {
	if err := s.link.Send(&Message{
		Kind: KindSnapshotRequest,
		From: s.conf.Self,
	}); err != nil {
		s.logl.Debug.Printf("snapshot request: %v", err)
		return
	}

	s.wantSnap = false
}

func (s *Synchronizer) sendResyncs() {
	for _, rg := range lo.Keys(s.resync) {
		if !s.IsActive(rg) {
			delete(s.resync, rg)
			continue
		}

		image, err := s.store.Snapshot(rg)
		if err != nil {
			s.logl.Error.Printf("snapshot %s: %v", rg, err)
			continue
		}

		if err := s.link.Send(&Message{
			Kind:      KindSnapshot,
			From:      s.conf.Self,
			RaidGroup: rg,
			Epoch:     s.Epoch(rg),
			Changes:   image,
		}); err != nil {
			s.sendFailed(rg, err)
			continue
		}

		delete(s.resync, rg)
	}
}

func (s *Synchronizer) reloadOwners() error {
	var owners []dctypes.Ownership
	if err := s.store.View(func(q *dcdb.Queries) error {
		var err error
		owners, err = q.Ownerships()
		return err
	}); err != nil {
		return err
	}

	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()

	for _, owner := range owners {
		// a claim we know of whose record has not landed yet is not rolled back, and our own
		// store never revives an epoch the peer fenced us out of
		if cached, has := s.owners[owner.RaidGroup]; has {
			if cached.Epoch > owner.Epoch {
				continue
			}

			if cached.Epoch == owner.Epoch && cached.Owner != s.conf.Self && owner.Owner == s.conf.Self {
				continue
			}
		}

		s.owners[owner.RaidGroup] = owner
	}

	return nil
}

func (s *Synchronizer) ownedGroups() []dctypes.RaidGroupID {
	owned := []dctypes.RaidGroupID{}
	for _, owner := range s.Owners() {
		if owner.Owner == s.conf.Self {
			owned = append(owned, owner.RaidGroup)
		}
	}

	return owned
}

func (s *Synchronizer) suspendedGroups() []dctypes.RaidGroupID {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()

	groups := lo.Keys(s.suspended)
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	return groups
}

func (s *Synchronizer) setSuspended(rg dctypes.RaidGroupID, suspended bool) {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()

	if suspended {
		s.suspended[rg] = true
	} else {
		delete(s.suspended, rg)
	}
}

func (s *Synchronizer) ownership(rg dctypes.RaidGroupID) (dctypes.Ownership, bool) {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()

	owner, found := s.owners[rg]
	return owner, found
}

func (s *Synchronizer) setOwnership(owner dctypes.Ownership) {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()

	s.owners[owner.RaidGroup] = owner
}
