package dcserver

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestPrintStatus(t *testing.T) {
	srv := newTestServer(t)

	out := &bytes.Buffer{}
	assert.Assert(t, printStatus(out, srv.eng.conf, srv.eng.store, time.Now()) == nil)

	lines := strings.Split(out.String(), "\n")

	assert.Assert(t, strings.Contains(lines[0], "Virtual drive"))
	assert.Assert(t, strings.Contains(lines[0], "Deadline"))

	vd1Line := lines[2]
	assert.Assert(t, strings.Contains(vd1Line, "vd1"))
	assert.Assert(t, strings.Contains(vd1Line, "PassThruPrimary"))
	assert.Assert(t, strings.Contains(vd1Line, "128 KiB"))

	assert.Assert(t, strings.Contains(out.String(), "Raid group"))
	assert.Assert(t, strings.Contains(out.String(), "confirmation enabled"))
}
