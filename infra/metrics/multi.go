package metrics

import coremetrics "github.com/kilianp07/csms/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordCommandResult forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordCommandResult(results []coremetrics.CommandResult) error {
	for _, s := range m.Sinks {
		if err := s.RecordCommandResult(results); err != nil {
			return err
		}
	}
	return nil
}

// RecordFrame forwards protocol frames to sinks that record them.
func (m *MultiSink) RecordFrame(ev coremetrics.FrameEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.FrameRecorder); ok {
			if err := rec.RecordFrame(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordMeterReading forwards meter readings.
func (m *MultiSink) RecordMeterReading(ev coremetrics.MeterReading) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.MeterRecorder); ok {
			if err := rec.RecordMeterReading(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordConnectedDevices forwards the connected-devices gauge.
func (m *MultiSink) RecordConnectedDevices(n int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.ConnectionRecorder); ok {
			if err := rec.RecordConnectedDevices(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordConnectorStatus forwards connector status changes.
func (m *MultiSink) RecordConnectorStatus(ev coremetrics.ConnectorStatusEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.StatusRecorder); ok {
			if err := rec.RecordConnectorStatus(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordTransaction forwards transaction lifecycle markers.
func (m *MultiSink) RecordTransaction(ev coremetrics.TransactionLifecycleEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.TransactionRecorder); ok {
			if err := rec.RecordTransaction(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordReconciliation forwards settlements.
func (m *MultiSink) RecordReconciliation(ev coremetrics.ReconciliationEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.ReconciliationRecorder); ok {
			if err := rec.RecordReconciliation(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
