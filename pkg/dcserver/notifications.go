package dcserver

import (
	"log"
	"time"

	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/logtee"
	"github.com/function61/gokit/logex"
)

type NotificationAt struct {
	At           time.Time
	Notification dctypes.Notification
}

// event sink of the engine: logs each notification, keeps the recent ones for the API
// and counts them
type notificationSink struct {
	tail    *logtee.Tail[NotificationAt]
	metrics *metricsController
	logl    *logex.Leveled
}

func newNotificationSink(capacity int, metrics *metricsController, logger *log.Logger) *notificationSink {
	return &notificationSink{
		tail:    logtee.NewTail[NotificationAt](capacity),
		metrics: metrics,
		logl:    logex.Levels(logger),
	}
}

func (n *notificationSink) Notify(item dctypes.Notification) {
	switch item.Code {
	case dctypes.EventUnexpectedError, dctypes.EventCopyAborted, dctypes.EventCopyDenied:
		n.logl.Error.Println(item.String())
	case dctypes.EventCopyProgress:
		n.logl.Debug.Printf("%s %d %%", item.String(), item.Percent)
	default:
		n.logl.Info.Println(item.String())
	}

	n.tail.Write(NotificationAt{
		At:           time.Now().UTC(),
		Notification: item,
	})

	if n.metrics != nil {
		n.metrics.observeNotification(item)
	}
}

func (n *notificationSink) Snapshot() []NotificationAt {
	return n.tail.Snapshot()
}
