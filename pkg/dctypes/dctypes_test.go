package dctypes

import (
	"fmt"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestSourceDestination(t *testing.T) {
	for _, tc := range []struct {
		mode     ConfigMode
		expected string
	}{
		{PassThruPrimary, "0 -1"},
		{PassThruSecondary, "1 -1"},
		{MirrorPrimary, "0 1"},
		{MirrorSecondary, "1 0"},
		{ConfigModeUnknown, "-1 -1"},
	} {
		tc := tc
		t.Run(tc.mode.String(), func(t *testing.T) {
			src, dst := tc.mode.SourceDestination()
			assert.EqualString(t, fmt.Sprintf("%d %d", src, dst), tc.expected)
		})
	}

	assert.Assert(t, PassThruOn(EdgeSecond) == PassThruSecondary)
	assert.Assert(t, MirrorFrom(EdgeFirst) == MirrorPrimary)
	assert.Assert(t, EdgeInvalid.Other() == EdgeInvalid)
}

func TestPercentCopied(t *testing.T) {
	vd := &VirtualDrive{Capacity: 1000, Checkpoint: LbaInvalid}
	assert.Assert(t, vd.PercentCopied() == 0)

	vd.Checkpoint = 333
	assert.Assert(t, vd.PercentCopied() == 33)

	vd.Checkpoint = LbaInvalid
	vd.CopyComplete = true
	assert.Assert(t, vd.PercentCopied() == 100)
}

func TestEventForTermination(t *testing.T) {
	assert.EqualString(t, string(EventForTermination(ReasonNone)), "copy-completed")
	assert.EqualString(t, string(EventForTermination(ReasonDestinationRemoved)), "copy-aborted")
	assert.EqualString(t, string(EventForTermination(ReasonSourceFailed)), "drive-swapped-out")
	assert.EqualString(t, string(EventForTermination(ReasonTimeout)), "unexpected-error")
}

func TestReasonOf(t *testing.T) {
	err := fmt.Errorf("request: %w", Reject(ReasonNoSpareAvailable, "need %d blocks", 1050))

	assert.EqualString(t, string(ReasonOf(err)), "no_spare_available")
	assert.EqualString(t, err.Error(), "request: copy rejected: no_spare_available: need 1050 blocks")
	assert.EqualString(t, string(ReasonOf(fmt.Errorf("disk on fire"))), "")
}

func TestJobKindFromString(t *testing.T) {
	kind, err := JobKindFromString("user-to")
	assert.Assert(t, err == nil)
	assert.Assert(t, kind == JobUserCopyTo)

	_, err = JobKindFromString("bogus")
	assert.EqualString(t, err.Error(), "unknown job kind: bogus")
}
