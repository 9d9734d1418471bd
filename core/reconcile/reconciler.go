package reconcile

import (
	"context"
	"math"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/status"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/internal/eventbus"
)

// Reconciler settles in-flight billing sessions when a device drops its
// connection mid-session.
type Reconciler struct {
	sessions store.SessionStore
	tariffs  store.TariffSource
	balance  store.BalanceService
	status   status.Store
	bus      *eventbus.Bus
	sink     metrics.Sink
	log      logger.Logger
}

func New(sessions store.SessionStore, tariffs store.TariffSource, balance store.BalanceService, cs status.Store, bus *eventbus.Bus, sink metrics.Sink, log logger.Logger) *Reconciler {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Reconciler{
		sessions: sessions,
		tariffs:  tariffs,
		balance:  balance,
		status:   cs,
		bus:      bus,
		sink:     sink,
		log:      log,
	}
}

// OnDisconnect settles every active session of the device. One session's
// failure is logged and does not block the others.
func (r *Reconciler) OnDisconnect(ctx context.Context, deviceID string) {
	active, err := r.sessions.ActiveSessions(ctx, deviceID)
	if err != nil {
		r.log.Errorf("fetch active sessions for %s: %v", deviceID, err)
		return
	}
	if len(active) == 0 {
		return
	}
	r.log.Infof("reconciling %d sessions for disconnected %s", len(active), deviceID)

	for _, sess := range active {
		if err := r.settle(ctx, sess); err != nil {
			r.log.Errorf("reconcile session %s: %v", sess.ID, err)
		}
	}
	if r.status != nil {
		r.status.Reset(deviceID, time.Now())
	}
}

func (r *Reconciler) settle(ctx context.Context, sess model.ChargingSession) error {
	now := time.Now()

	var tariff *model.Tariff
	if r.tariffs != nil {
		t, err := r.tariffs.TariffFor(ctx, sess.DeviceID)
		if err != nil {
			r.log.Warnf("tariff lookup for %s: %v", sess.DeviceID, err)
		} else {
			tariff = t
		}
	}

	final := Settle(sess, tariff)
	refund := math.Max(0, sess.Preauthorized-final)

	sess.Status = model.SessionStopped
	sess.StopReason = model.StopReasonDisconnected
	sess.FinalAmount = final
	sess.RefundAmount = refund
	sess.EndedAt = &now
	if err := r.sessions.StopSession(ctx, sess); err != nil {
		return err
	}

	if refund > 0 && sess.CustomerID != "" {
		// Idempotent by session tag: a replayed disconnect credits once.
		if err := r.balance.Credit(ctx, sess.CustomerID, refund, sess.ID); err != nil {
			r.log.Errorf("refund credit for session %s: %v", sess.ID, err)
		}
	}

	if rr, ok := r.sink.(metrics.ReconciliationRecorder); ok {
		if err := rr.RecordReconciliation(metrics.ReconciliationEvent{
			DeviceID:     sess.DeviceID,
			SessionID:    sess.ID,
			FinalAmount:  final,
			RefundAmount: refund,
			Time:         now,
		}); err != nil {
			r.log.Errorf("reconciliation metrics error: %v", err)
		}
	}

	// Notification collaborators hear about the stop whether or not a
	// refund was issued.
	if r.bus != nil {
		r.bus.Publish(events.ChargingStoppedEvent{
			SessionID:     sess.ID,
			DeviceID:      sess.DeviceID,
			TransactionID: sess.TransactionID,
			Reason:        model.StopReasonDisconnected,
			FinalAmount:   final,
			RefundAmount:  refund,
			At:            now,
		})
	}
	return nil
}

// Settle computes the final charge for a session. The customer is never
// charged beyond the pre-authorized amount, and any session whose final
// amount cannot be computed settles as a full refund.
func Settle(sess model.ChargingSession, tariff *model.Tariff) float64 {
	if sess.MeterStart == nil || sess.MeterEnd == nil {
		return 0
	}
	energyWh := math.Max(0, *sess.MeterEnd-*sess.MeterStart)
	if energyWh == 0 || tariff == nil {
		return 0
	}
	energyKWh := energyWh / 1000
	amount := energyKWh * tariff.UnitRatePerKWh * (1 + tariff.TaxRate)
	return math.Min(amount, sess.Preauthorized)
}
