package dcserver

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/function61/drivecopy/pkg/dualsp"
	"github.com/function61/gokit/ezhttp"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
)

const (
	peerPath             = "/api/peer"
	msgpackContentType   = "application/x-msgpack"
	peerDeliveryDeadline = 5 * time.Second
)

// delivers synchronizer messages to the peer over HTTP. sends are queued and delivered in
// order by Task(), because the peer answers from inside its own scheduler: two controllers
// waiting on each other's scheduler would deadlock
type httpLink struct {
	url      string
	outbound chan *dualsp.Message
	failed   func(msg *dualsp.Message, err error)
	logl     *logex.Leveled
}

func newHttpLink(peerURL string, failed func(msg *dualsp.Message, err error), logger *log.Logger) *httpLink {
	return &httpLink{
		url:      peerURL + peerPath,
		outbound: make(chan *dualsp.Message, 1024),
		failed:   failed,
		logl:     logex.Levels(logger),
	}
}

func (h *httpLink) Send(msg *dualsp.Message) error {
	select {
	case h.outbound <- msg:
		return nil
	default: // peer has not kept up for a while
		return dualsp.ErrLinkDown
	}
}

func (h *httpLink) Task() func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-h.outbound:
				if err := h.deliver(ctx, msg); err != nil && ctx.Err() == nil {
					h.failed(msg, err)
				}
			}
		}
	}
}

func (h *httpLink) deliver(ctx context.Context, msg *dualsp.Message) error {
	body, err := dualsp.EncodeMessage(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, peerDeliveryDeadline)
	defer cancel()

	stale := false

	attempt := func(ctx context.Context) error {
		res, err := ezhttp.Post(
			ctx,
			h.url,
			ezhttp.SendBody(bytes.NewReader(body), msgpackContentType))
		if err != nil && res != nil && res.StatusCode == http.StatusConflict {
			stale = true // retrying would not change the peer's mind
			return nil
		}
		if err != nil {
			return err
		}

		return res.Body.Close()
	}

	if err := retry.Retry(ctx, attempt, retry.DefaultBackoff(), func(err error) {
		h.logl.Debug.Printf("deliver %s: %v", msg.Kind, err)
	}); err != nil {
		return fmt.Errorf("%w: %v", dualsp.ErrLinkDown, err)
	}

	if stale {
		return dualsp.ErrStaleEpoch
	}

	return nil
}
