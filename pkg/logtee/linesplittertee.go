// Keeps the recent tail of the controller log (and of other streams) for the REST API
package logtee

import (
	"bytes"
	"io"
	"sync"
)

// tees complete lines of a byte stream into a tail
type lineTee struct {
	partial []byte // written data after the last \n
	tail    *Tail[string]
	mu      sync.Mutex
}

// everything written goes to sink as-is. only complete lines reach tail, without their
// line ending
func TailTo(sink io.Writer, tail *Tail[string]) io.Writer {
	return io.MultiWriter(sink, &lineTee{tail: tail})
}

func (l *lineTee) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := append(l.partial, data...)

	for {
		line, rest, found := bytes.Cut(pending, []byte{'\n'})
		if !found {
			break
		}

		l.tail.Write(string(bytes.TrimSuffix(line, []byte{'\r'})))

		pending = rest
	}

	l.partial = append(l.partial[:0:0], pending...)

	return len(data), nil
}
