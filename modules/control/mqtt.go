package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT command channel.
type MQTTConfig struct {
	Broker       string // host:port
	ClientID     string
	ControlTopic string
	StatusTopic  string
	QoS          byte
}

// Command is an inbound control command.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is published on the status topic for every command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// MQTTStats is a snapshot of the command channel.
type MQTTStats struct {
	Connected bool
	Received  uint64
	Dropped   uint64
	Errors    uint64
}

// MQTTHandler executes commands received on the control topic.
type MQTTHandler struct {
	cfg      MQTTConfig
	c        *Controller
	client   mqtt.Client
	commands chan Command

	mu        sync.RWMutex
	connected bool
	received  uint64
	dropped   uint64
	errors    uint64
}

// NewMQTTHandler validates cfg and creates a disconnected handler.
func NewMQTTHandler(cfg MQTTConfig, c *Controller) (*MQTTHandler, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("control: mqtt broker is required")
	}
	if cfg.ControlTopic == "" || cfg.StatusTopic == "" {
		return nil, fmt.Errorf("control: mqtt control and status topics are required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("control: invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = nextClientID("delayline")
	}
	return &MQTTHandler{
		cfg:      cfg,
		c:        c,
		commands: make(chan Command, 10),
	}, nil
}

// Connect establishes the broker connection with automatic reconnection.
func (h *MQTTHandler) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	broker := h.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(h.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		h.setConnected(true)
		slog.Info("control: mqtt connection established", "broker", broker, "client_id", h.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		h.setConnected(false)
		slog.Warn("control: mqtt connection lost, will auto-reconnect", "error", err, "broker", broker)
	}

	h.client = mqtt.NewClient(opts)

	slog.Info("control: connecting to mqtt broker", "broker", broker)
	token := h.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: mqtt connection failed: %w", err)
	}
	return nil
}

// Start subscribes to the control topic and processes commands until ctx
// is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	if h.client == nil {
		return fmt.Errorf("control: mqtt not connected")
	}

	slog.Info("control: subscribing to control topic", "topic", h.cfg.ControlTopic, "qos", h.cfg.QoS)
	token := h.client.Subscribe(h.cfg.ControlTopic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: mqtt subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: mqtt subscription failed: %w", err)
	}

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and disconnects.
func (h *MQTTHandler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.ControlTopic).WaitTimeout(2 * time.Second)
		h.client.Disconnect(250)
		slog.Info("control: mqtt disconnected")
	}
	h.setConnected(false)
	return nil
}

func (h *MQTTHandler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.mu.Lock()
	h.received++
	h.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("control: failed to parse command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	select {
	case h.commands <- cmd:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *MQTTHandler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.execute(ctx, cmd))
		}
	}
}

// execute runs one command and builds its response.
func (h *MQTTHandler) execute(ctx context.Context, cmd Command) Response {
	slog.Info("control: command received", "command", cmd.Command)

	resp := Response{CommandAck: cmd.Command}
	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch cmd.Command {
	case "set_delay":
		req, err := settingsFromParams(cmd.Params)
		if err != nil {
			return fail(err)
		}
		next, err := h.c.UpdateSettings(ctx, req)
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{
			"delay":   next.DelayMs,
			"enabled": next.Enabled,
			"mode":    string(next.Mode),
		}

	case "get_status":
		st, err := h.c.Status(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = statusData(st)

	case "enter_fullscreen", "exit_fullscreen":
		active := cmd.Command == "enter_fullscreen"
		if err := h.c.Fullscreen(ctx, active); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"fullscreen": active}

	case "play":
		if err := h.c.Play(ctx); err != nil {
			return fail(err)
		}
		resp.Status = "success"

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}
	return resp
}

// settingsFromParams reads delay_ms, enabled and mode from command params.
func settingsFromParams(params map[string]any) (SettingsRequest, error) {
	var req SettingsRequest
	if v, ok := params["delay_ms"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 || f != float64(uint(f)) {
			return req, fmt.Errorf("invalid 'delay_ms' parameter (expected non-negative integer)")
		}
		d := uint(f)
		req.Delay = &d
	}
	if v, ok := params["enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return req, fmt.Errorf("invalid 'enabled' parameter (expected bool)")
		}
		req.Enabled = &b
	}
	if v, ok := params["mode"]; ok {
		m, ok := v.(string)
		if !ok {
			return req, fmt.Errorf("invalid 'mode' parameter (expected video or audio)")
		}
		req.Mode = &m
	}
	if req.Delay == nil && req.Enabled == nil && req.Mode == nil {
		return req, fmt.Errorf("set_delay needs at least one of delay_ms, enabled, mode")
	}
	return req, nil
}

// statusData flattens a Status through its JSON form.
func statusData(st Status) map[string]any {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (h *MQTTHandler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	if h.client == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.StatusTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.countError()
		slog.Warn("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.countError()
		slog.Warn("control: failed to publish response", "error", err)
		return
	}
	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *MQTTHandler) setConnected(v bool) {
	h.mu.Lock()
	h.connected = v
	h.mu.Unlock()
}

func (h *MQTTHandler) countError() {
	h.mu.Lock()
	h.errors++
	h.mu.Unlock()
}

// Stats returns channel counters.
func (h *MQTTHandler) Stats() MQTTStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return MQTTStats{
		Connected: h.connected,
		Received:  h.received,
		Dropped:   h.dropped,
		Errors:    h.errors,
	}
}
