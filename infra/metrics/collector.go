package metrics

import (
	"context"

	"github.com/kilianp07/csms/core/events"
	coremetrics "github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for
// connector status and transaction lifecycle events. It stops when the
// context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.Sink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case events.StatusEvent:
					if r, ok := sink.(coremetrics.StatusRecorder); ok {
						_ = r.RecordConnectorStatus(coremetrics.ConnectorStatusEvent{
							DeviceID:    e.DeviceID,
							ConnectorID: e.ConnectorID,
							Status:      e.Status,
							Time:        e.At,
						})
					}
				case events.TransactionEvent:
					if r, ok := sink.(coremetrics.TransactionRecorder); ok {
						_ = r.RecordTransaction(coremetrics.TransactionLifecycleEvent{
							DeviceID:      e.DeviceID,
							ConnectorID:   e.ConnectorID,
							TransactionID: e.TransactionID,
							Started:       e.Started,
							Time:          e.At,
						})
					}
				}
			}
		}
	}()
}
