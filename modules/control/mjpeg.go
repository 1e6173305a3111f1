package control

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/e7canasta/orion-delayline/modules/framebus"
)

var clientSeq atomic.Uint64

// nextClientID names a bus subscription for one HTTP client.
func nextClientID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, clientSeq.Add(1))
}

// MJPEGHandler streams bus frames as multipart/x-mixed-replace. Each
// client gets a latest-only subscription, so slow clients skip frames
// instead of queueing them.
type MJPEGHandler struct {
	bus framebus.Bus
}

// NewMJPEGHandler creates a handler over bus.
func NewMJPEGHandler(bus framebus.Bus) *MJPEGHandler {
	return &MJPEGHandler{bus: bus}
}

func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := nextClientID("mjpeg")
	rx, err := h.bus.SubscribeDropOld(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("control: mjpeg client connected", "id", id, "remote", r.RemoteAddr)
	defer slog.Debug("control: mjpeg client disconnected", "id", id)

	for {
		frame, err := rx.ReceiveContext(r.Context())
		if err != nil {
			return
		}

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame.JPEG))
		if _, err := w.Write(frame.JPEG); err != nil {
			return
		}
		fmt.Fprintf(w, "\r\n")
		flusher.Flush()
	}
}
