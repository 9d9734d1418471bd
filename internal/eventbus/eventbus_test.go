package eventbus

import (
	"testing"
	"time"

	"github.com/kilianp07/csms/core/events"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	ch := bus.Subscribe()
	bus.Publish("hello")
	v := <-ch
	if v != "hello" {
		t.Fatalf("expected hello got %v", v)
	}
	bus.Unsubscribe(ch)
}

func TestBusCarriesTypedEvents(t *testing.T) {
	bus := New()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	published := events.StatusEvent{DeviceID: "cp-1", ConnectorID: 2, Status: "Charging", At: time.Now()}
	bus.Publish(published)

	got, ok := (<-ch).(events.StatusEvent)
	if !ok {
		t.Fatalf("expected a StatusEvent")
	}
	if got.DeviceID != "cp-1" || got.ConnectorID != 2 || got.Status != "Charging" {
		t.Fatalf("event mangled in transit: %+v", got)
	}
}

func TestBusClose(t *testing.T) {
	bus := New()
	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	bus.Close()
	if _, ok := <-ch1; ok {
		t.Fatalf("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("expected ch2 closed")
	}
}

func TestBusUnsubscribeAfterClose(t *testing.T) {
	bus := New()
	ch := bus.Subscribe()
	bus.Close()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic on Unsubscribe after Close: %v", r)
		}
	}()
	bus.Unsubscribe(ch)
}
