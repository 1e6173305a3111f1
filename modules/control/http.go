package control

import (
	"errors"
	"image"
	"log/slog"
	"net/http"

	"github.com/kataras/iris/v12"

	"github.com/e7canasta/orion-delayline/modules/attach"
	"github.com/e7canasta/orion-delayline/modules/settings"
)

// SettingsRequest is the body of POST /settings and of setDelay messages.
// Missing fields keep their persisted value.
type SettingsRequest struct {
	Delay   *uint   `json:"delay"`
	Enabled *bool   `json:"enabled"`
	Mode    *string `json:"mode"`
}

// apply merges r into current.
func (r SettingsRequest) apply(current settings.Settings) (settings.Settings, error) {
	out := current
	if r.Delay != nil {
		out.DelayMs = *r.Delay
	}
	if r.Enabled != nil {
		out.Enabled = *r.Enabled
	}
	if r.Mode != nil {
		m, err := settings.ParseMode(*r.Mode)
		if err != nil {
			return current, err
		}
		out.Mode = m
	}
	return out, out.Validate()
}

// GeometryRequest reports the laid-out video size and the viewport.
type GeometryRequest struct {
	Width          int `json:"width"`
	Height         int `json:"height"`
	ViewportWidth  int `json:"viewportWidth"`
	ViewportHeight int `json:"viewportHeight"`
}

// NewApp builds the iris application serving the control API.
func NewApp(c *Controller) *iris.Application {
	app := iris.New()
	app.Logger().SetLevel("warn")

	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type")
		if ctx.Method() == "OPTIONS" {
			ctx.StatusCode(204)
			return
		}
		ctx.Next()
	})

	RegisterRoutes(app, c)
	return app
}

// RegisterRoutes mounts the API under /api/v1.
func RegisterRoutes(app *iris.Application, c *Controller) {
	h := &handlers{c: c}

	v1 := app.Party("/api/v1")
	{
		v1.Get("/settings", h.getSettings)
		v1.Post("/settings", h.setSettings)
		v1.Get("/status", h.getStatus)
		v1.Post("/fullscreen", h.setFullscreen)
		v1.Post("/play", h.play)
		v1.Post("/geometry", h.geometry)
		v1.Get("/stream.mjpeg", iris.FromStd(NewMJPEGHandler(c.bus)))
		v1.Get("/ws", iris.FromStd(NewViewerHandler(c)))
	}
}

type handlers struct {
	c *Controller
}

// GET /api/v1/settings
func (h *handlers) getSettings(ctx iris.Context) {
	st, err := h.c.Settings(ctx.Request().Context())
	if err != nil {
		h.fail(ctx, http.StatusInternalServerError, err)
		return
	}
	ctx.JSON(st)
}

// POST /api/v1/settings
func (h *handlers) setSettings(ctx iris.Context) {
	var req SettingsRequest
	if err := ctx.ReadJSON(&req); err != nil {
		h.fail(ctx, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}

	next, err := h.c.UpdateSettings(ctx.Request().Context(), req)
	if err != nil {
		h.fail(ctx, statusFor(err), err)
		return
	}
	ctx.JSON(next)
}

// GET /api/v1/status
func (h *handlers) getStatus(ctx iris.Context) {
	st, err := h.c.Status(ctx.Request().Context())
	if err != nil {
		h.fail(ctx, statusFor(err), err)
		return
	}
	ctx.JSON(st)
}

// POST /api/v1/fullscreen
func (h *handlers) setFullscreen(ctx iris.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := ctx.ReadJSON(&req); err != nil {
		h.fail(ctx, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	if err := h.c.Fullscreen(ctx.Request().Context(), req.Active); err != nil {
		h.fail(ctx, statusFor(err), err)
		return
	}
	ctx.JSON(iris.Map{"fullscreen": req.Active})
}

// POST /api/v1/play
func (h *handlers) play(ctx iris.Context) {
	if err := h.c.Play(ctx.Request().Context()); err != nil {
		h.fail(ctx, statusFor(err), err)
		return
	}
	ctx.StatusCode(http.StatusNoContent)
}

// POST /api/v1/geometry
func (h *handlers) geometry(ctx iris.Context) {
	var req GeometryRequest
	if err := ctx.ReadJSON(&req); err != nil {
		h.fail(ctx, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	h.c.Geometry(image.Pt(req.Width, req.Height), image.Pt(req.ViewportWidth, req.ViewportHeight))
	ctx.StatusCode(http.StatusNoContent)
}

func (h *handlers) fail(ctx iris.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		slog.Warn("control: request failed", "path", ctx.Path(), "error", err)
	}
	ctx.StatusCode(code)
	ctx.JSON(iris.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotRunning), errors.Is(err, attach.ErrNotRunning), errors.Is(err, attach.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
