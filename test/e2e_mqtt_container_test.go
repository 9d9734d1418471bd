package test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/infra/mqtt"
)

func waitForMQTTReady(broker string, timeout time.Duration) error {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("probe")
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		token.Wait()
		if token.Error() == nil {
			cli.Disconnect(100)
			return nil
		}
		lastErr = token.Error()
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for broker")
	}
	return lastErr
}

func startMosquitto(ctx context.Context, t *testing.T) (tc.Container, string) {
	t.Helper()
	conf := `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
`
	dir := t.TempDir()
	path := filepath.Join(dir, "mosquitto.conf")
	if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
		t.Fatalf("write conf: %v", err)
	}

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
		Files: []tc.ContainerFile{
			{
				HostFilePath:      path,
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0644,
			},
		},
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("container start: %v", err)
	}
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "1883")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	broker := fmt.Sprintf("tcp://%s:%s", host, port.Port())
	if err := waitForMQTTReady(broker, 5*time.Second); err != nil {
		t.Logf("mosquitto not ready: %v", err)
		t.Skip("Mosquitto not ready after retries")
	}
	return cont, broker
}

// queueHandler settles every queued command as accepted.
type queueHandler struct {
	bridge *mqtt.Bridge
	mu     sync.Mutex
	starts []model.CommandRequest
	stops  []model.CommandRequest
}

func (h *queueHandler) HandleStart(_ context.Context, req model.CommandRequest) model.CommandResponse {
	h.mu.Lock()
	h.starts = append(h.starts, req)
	h.mu.Unlock()
	resp := model.CommandResponse{SessionID: req.SessionID, DeviceID: req.DeviceID, Status: model.StatusAccepted}
	_ = h.bridge.PublishResponse(resp)
	return resp
}

func (h *queueHandler) HandleStop(_ context.Context, req model.CommandRequest) model.CommandResponse {
	h.mu.Lock()
	h.stops = append(h.stops, req)
	h.mu.Unlock()
	resp := model.CommandResponse{SessionID: req.SessionID, DeviceID: req.DeviceID, Status: model.StatusAccepted}
	_ = h.bridge.PublishResponse(resp)
	return resp
}

func TestCommandQueueWithMQTTContainer(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	ctx := context.Background()

	cont, broker := startMosquitto(ctx, t)
	defer func() { _ = cont.Terminate(ctx) }()

	cfg := mqtt.Config{Broker: broker, ClientID: "csms-it"}
	handler := &queueHandler{}
	bridge, err := mqtt.NewBridge(cfg, handler, logger.NopLogger{})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer bridge.Disconnect()
	handler.bridge = bridge

	// observe the response channel like an operator frontend would
	respCh := make(chan model.CommandResponse, 4)
	obsOpts := paho.NewClientOptions().AddBroker(broker).SetClientID("observer")
	obs := paho.NewClient(obsOpts)
	if token := obs.Connect(); token.Wait() && token.Error() != nil {
		t.Fatalf("observer connect: %v", token.Error())
	}
	defer obs.Disconnect(100)
	if token := obs.Subscribe("csms/responses", 1, func(_ paho.Client, m paho.Message) {
		var resp model.CommandResponse
		if err := json.Unmarshal(m.Payload(), &resp); err == nil {
			respCh <- resp
		}
	}); token.Wait() && token.Error() != nil {
		t.Fatalf("observer subscribe: %v", token.Error())
	}

	pub, err := mqtt.NewPublisher(mqtt.Config{Broker: broker, ClientID: "operator"}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Disconnect()

	req := model.CommandRequest{SessionID: "it-1", DeviceID: "cp-1", ConnectorID: 1, Credential: "TAG"}
	if err := pub.PublishCommand(model.CommandStart, req); err != nil {
		t.Fatalf("publish start: %v", err)
	}

	select {
	case resp := <-respCh:
		if resp.SessionID != "it-1" || resp.Status != model.StatusAccepted {
			t.Errorf("unexpected response: %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response on the response channel")
	}

	handler.mu.Lock()
	starts := len(handler.starts)
	handler.mu.Unlock()
	if starts != 1 {
		t.Errorf("expected exactly one consumed start command, got %d", starts)
	}
}
