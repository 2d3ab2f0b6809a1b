package mutexmap

import (
	"fmt"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestMutexMap(t *testing.T) {
	mm := New()

	releaseFoo, fooOk := mm.TryLock("foo", "job1")
	assert.Assert(t, fooOk)

	_, fooConcurrentOk := mm.TryLock("foo", "job2")
	assert.Assert(t, !fooConcurrentOk)

	// not reentrant either
	_, fooSameHolderOk := mm.TryLock("foo", "job1")
	assert.Assert(t, !fooSameHolderOk)

	holder, occupied := mm.Holder("foo")
	assert.Assert(t, occupied)
	assert.EqualString(t, holder, "job1")

	releaseBar, barOk := mm.TryLock("bar", "job3")
	assert.Assert(t, barOk)
	assert.EqualString(t, fmt.Sprintf("%v", mm.Keys()), "[bar foo]")

	releaseFoo()

	releaseFoo2, fooOk := mm.TryLock("foo", "job2")
	assert.Assert(t, fooOk)

	// stale release of the previous holder must not release the new one
	releaseFoo()
	_, occupied = mm.Holder("foo")
	assert.Assert(t, occupied)

	releaseFoo2()
	releaseBar()
	assert.Assert(t, len(mm.Keys()) == 0)
}
