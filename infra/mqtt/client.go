package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/model"
)

// Config defines the connection parameters for the Paho MQTT client and the
// queue topology consumed and produced by the service.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	AuthMethod string          `json:"auth_method"`
	QoS        map[string]byte `json:"qos"`
	LWTTopic   string          `json:"lwt_topic"`
	LWTPayload string          `json:"lwt_payload"`
	LWTQoS     byte            `json:"lwt_qos"`
	LWTRetain  bool            `json:"lwt_retain"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`
	TLSConfig  *tls.Config     `json:"-"`

	// Routing keys. Start and stop commands arrive on distinct topics;
	// outcomes and audit entries are produced on their own channels.
	StartTopic    string `json:"start_topic"`
	StopTopic     string `json:"stop_topic"`
	ResponseTopic string `json:"response_topic"`
	AuditTopic    string `json:"audit_topic"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.StartTopic == "" {
		c.StartTopic = "csms/commands/start"
	}
	if c.StopTopic == "" {
		c.StopTopic = "csms/commands/stop"
	}
	if c.ResponseTopic == "" {
		c.ResponseTopic = "csms/responses"
	}
	if c.AuditTopic == "" {
		c.AuditTopic = "csms/audit"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// CommandHandler settles one queued command and returns its outcome. The
// bridge invokes it synchronously per topic, so a single consumer never has
// overlapping device-facing calls in flight from its own queue.
type CommandHandler interface {
	HandleStart(ctx context.Context, req model.CommandRequest) model.CommandResponse
	HandleStop(ctx context.Context, req model.CommandRequest) model.CommandResponse
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Bridge connects the command queue to the orchestrator and carries the
// response and audit channels back out.
type Bridge struct {
	cli     pahoClient
	cfg     Config
	handler CommandHandler
	logger  logger.Logger
	backoff time.Duration
}

// NewBridge connects to the broker and subscribes to the command topics.
func NewBridge(cfg Config, handler CommandHandler, log logger.Logger) (*Bridge, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:     cfg,
		handler: handler,
		logger:  log,
		backoff: time.Duration(cfg.BackoffMS) * time.Millisecond,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		b.subscribe(c, cfg.StartTopic, b.onStart)
		b.subscribe(c, cfg.StopTopic, b.onStop)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	b.cli = c
	return b, nil
}

// NewPublisher connects to the broker without consuming the command topics.
// Used by tooling that only enqueues commands.
func NewPublisher(cfg Config, log logger.Logger) (*Bridge, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:     cfg,
		logger:  log,
		backoff: time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	b.cli = c
	return b, nil
}

// NewClientOptions builds mqtt client options from Config. Callbacks run in
// order, so commands off one topic are consumed one at a time.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.SetOrderMatters(true)
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

func (b *Bridge) subscribe(c paho.Client, topic string, cb paho.MessageHandler) {
	if token := c.Subscribe(topic, b.qos("command"), cb); token.Wait() && token.Error() != nil {
		b.logger.Errorf("subscribe %s error: %v", topic, token.Error())
	}
}

func (b *Bridge) qos(channel string) byte {
	if q, ok := b.cfg.QoS[channel]; ok {
		return q
	}
	return 1
}

// onStart handles one queued start command. Returning from the callback
// acknowledges the message: a command is consumed exactly once, and failures
// surface on the response channel, never through redelivery.
func (b *Bridge) onStart(_ paho.Client, msg paho.Message) {
	req, err := decodeCommand(msg.Payload())
	if err != nil {
		b.logger.Errorf("invalid start command: %v", err)
		return
	}
	b.handler.HandleStart(context.Background(), req)
}

func (b *Bridge) onStop(_ paho.Client, msg paho.Message) {
	req, err := decodeCommand(msg.Payload())
	if err != nil {
		b.logger.Errorf("invalid stop command: %v", err)
		return
	}
	b.handler.HandleStop(context.Background(), req)
}

func decodeCommand(payload []byte) (model.CommandRequest, error) {
	var req model.CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return model.CommandRequest{}, err
	}
	if req.DeviceID == "" {
		return model.CommandRequest{}, fmt.Errorf("missing device_id")
	}
	return req, nil
}

// PublishResponse publishes a command outcome on the response channel.
func (b *Bridge) PublishResponse(resp model.CommandResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return b.publish(b.cfg.ResponseTopic, b.qos("response"), payload)
}

// PublishAudit publishes one audit entry. The caller logs failures; they
// must never reach the protocol path.
func (b *Bridge) PublishAudit(entry model.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.publish(b.cfg.AuditTopic, b.qos("audit"), payload)
}

// PublishCommand enqueues a command request. Used by the send subcommand to
// feed the queue the orchestrator consumes.
func (b *Bridge) PublishCommand(kind model.CommandKind, req model.CommandRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	topic := b.cfg.StartTopic
	if kind == model.CommandStop {
		topic = b.cfg.StopTopic
	}
	return b.publish(topic, b.qos("command"), payload)
}

func (b *Bridge) publish(topic string, qos byte, payload []byte) error {
	var publishErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		token := b.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		b.logger.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		time.Sleep(b.backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// Disconnect gracefully closes the MQTT connection.
func (b *Bridge) Disconnect() {
	if b.cli != nil && b.cli.IsConnected() {
		b.cli.Disconnect(250)
	}
}
