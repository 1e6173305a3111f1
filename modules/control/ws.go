package control

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-delayline/modules/framebus"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ViewerMessage is an inbound viewer event:
// setDelay, fullscreen, play, geometry or getStatus.
type ViewerMessage struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
	SettingsRequest
	GeometryRequest
}

// FrameEnvelope is the binary (msgpack) message carrying one output frame.
type FrameEnvelope struct {
	Type      string `msgpack:"type"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Delayed   bool   `msgpack:"delayed"`
	State     string `msgpack:"state"`
	Timestamp int64  `msgpack:"ts"` // unix milliseconds
	JPEG      []byte `msgpack:"jpeg"`
}

// NewFrameEnvelope wraps a bus frame.
func NewFrameEnvelope(f framebus.Frame) FrameEnvelope {
	return FrameEnvelope{
		Type:      "frame",
		Seq:       f.Sequence,
		Width:     f.Width,
		Height:    f.Height,
		Delayed:   f.Delayed,
		State:     f.State,
		Timestamp: f.Timestamp.UnixMilli(),
		JPEG:      f.JPEG,
	}
}

// statusMessage is the JSON reply to every command.
type statusMessage struct {
	Type   string  `json:"type"`
	Status *Status `json:"status,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// ViewerHandler serves the viewer WebSocket: frames out, signals in.
type ViewerHandler struct {
	c *Controller
}

// NewViewerHandler creates a WebSocket handler bound to c.
func NewViewerHandler(c *Controller) *ViewerHandler {
	return &ViewerHandler{c: c}
}

type viewerSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writers
}

func (s *viewerSession) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *viewerSession) writeBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *viewerSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (h *ViewerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("control: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s := &viewerSession{id: nextClientID("ws"), conn: conn}
	rx, err := h.c.bus.SubscribeDropOld(s.id)
	if err != nil {
		s.writeJSON(statusMessage{Type: "error", Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		h.c.bus.Unsubscribe(s.id)
		wg.Wait()
		slog.Info("control: viewer disconnected", "id", s.id)
	}()

	slog.Info("control: viewer connected", "id", s.id, "remote", r.RemoteAddr)

	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pumpFrames(ctx, s, rx)
	}()
	go func() {
		defer wg.Done()
		h.keepAlive(ctx, s)
	}()

	h.sendStatus(ctx, s)
	h.readLoop(ctx, s)
}

// pumpFrames forwards the latest bus frame to the viewer.
func (h *ViewerHandler) pumpFrames(ctx context.Context, s *viewerSession, rx framebus.FrameReceiver) {
	for {
		frame, err := rx.ReceiveContext(ctx)
		if err != nil {
			return
		}
		data, err := msgpack.Marshal(NewFrameEnvelope(frame))
		if err != nil {
			slog.Error("control: failed to encode frame envelope", "error", err)
			continue
		}
		if err := s.writeBinary(data); err != nil {
			return
		}
	}
}

func (h *ViewerHandler) keepAlive(ctx context.Context, s *viewerSession) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (h *ViewerHandler) readLoop(ctx context.Context, s *viewerSession) {
	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("control: viewer read failed", "id", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ViewerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.writeJSON(statusMessage{Type: "error", Error: "invalid JSON"})
			continue
		}
		if err := h.handle(ctx, msg); err != nil {
			s.writeJSON(statusMessage{Type: "error", Error: err.Error()})
			continue
		}
		if msg.Type != "geometry" {
			h.sendStatus(ctx, s)
		}
	}
}

var errUnknownMessage = errors.New("unknown message type")

// handle applies one viewer message.
func (h *ViewerHandler) handle(ctx context.Context, msg ViewerMessage) error {
	slog.Debug("control: viewer message", "type", msg.Type)

	switch msg.Type {
	case "setDelay":
		_, err := h.c.UpdateSettings(ctx, msg.SettingsRequest)
		return err

	case "fullscreen":
		return h.c.Fullscreen(ctx, msg.Active)

	case "play":
		return h.c.Play(ctx)

	case "geometry":
		h.c.Geometry(image.Pt(msg.Width, msg.Height), image.Pt(msg.ViewportWidth, msg.ViewportHeight))
		return nil

	case "getStatus":
		return nil

	default:
		return errUnknownMessage
	}
}

func (h *ViewerHandler) sendStatus(ctx context.Context, s *viewerSession) {
	st, err := h.c.Status(ctx)
	if err != nil {
		s.writeJSON(statusMessage{Type: "error", Error: err.Error()})
		return
	}
	s.writeJSON(statusMessage{Type: "status", Status: &st})
}
