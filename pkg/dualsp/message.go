package dualsp

import (
	"sync"
	"time"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
)

type MessageKind string

const (
	KindChanges         MessageKind = "changes"
	KindHeartbeat       MessageKind = "heartbeat"
	KindSnapshotRequest MessageKind = "snapshot-request"
	KindSnapshot        MessageKind = "snapshot"
)

type Message struct {
	Kind      MessageKind
	From      dctypes.ControllerID
	RaidGroup dctypes.RaidGroupID // changes and snapshots are scoped to one group
	Epoch     uint64              // sender's ownership epoch of RaidGroup
	Changes   []dcdb.Change
	Owners    []dctypes.Ownership // heartbeat: sender's view of ownership
}

func EncodeMessage(msg *Message) ([]byte, error) {
	return msgpack.Codec.Marshal(msg)
}

func DecodeMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := msgpack.Codec.Unmarshal(data, msg); err != nil {
		return nil, err
	}

	return msg, nil
}

// delivers messages to the peer. an error from the peer's Receive() is returned as-is, so
// ErrStaleEpoch can be recognized with errors.Is()
type Link interface {
	Send(msg *Message) error
}

// in-process link between two synchronizers. messages go through the wire encoding and are
// delivered synchronously
type Pipe struct {
	ends  [2]*Synchronizer
	cut   bool
	clock func() time.Time
	mu    sync.Mutex
}

func NewPipe(clock func() time.Time) *Pipe {
	return &Pipe{clock: clock}
}

// link for side 0 or 1. side 0 sends to side 1 and vice versa
func (p *Pipe) End(side int) Link {
	return &pipeEnd{p, side}
}

func (p *Pipe) Attach(side0 *Synchronizer, side1 *Synchronizer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ends = [2]*Synchronizer{side0, side1}
}

// simulates the interconnect failing (true) or coming back
func (p *Pipe) Cut(cut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cut = cut
}

type pipeEnd struct {
	pipe *Pipe
	side int
}

func (e *pipeEnd) Send(msg *Message) error {
	e.pipe.mu.Lock()
	peer := e.pipe.ends[1-e.side]
	cut := e.pipe.cut
	e.pipe.mu.Unlock()

	if cut || peer == nil {
		return ErrLinkDown
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	received, err := DecodeMessage(data)
	if err != nil {
		return err
	}

	return peer.Receive(received, e.pipe.clock())
}
