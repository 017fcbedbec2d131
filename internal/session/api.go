package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/focusflow/internal/ambient"
	"github.com/satindergrewal/focusflow/internal/library"
	"github.com/satindergrewal/focusflow/internal/realclock"
	"github.com/satindergrewal/focusflow/internal/timewarp"
)

const (
	wsWriteWait = 5 * time.Second
	wsPongWait  = 60 * time.Second
)

// API serves the session controller over HTTP and a clock websocket.
type API struct {
	ctl      *Controller
	format   realclock.Format
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewAPI creates the handlers. format is the default for /api/time.
func NewAPI(ctl *Controller, format realclock.Format, logger zerolog.Logger) *API {
	return &API{
		ctl:    ctl,
		format: format,
		log:    logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/session/start", a.handleStart)
	mux.HandleFunc("/api/session/stop", a.handleStop)
	mux.HandleFunc("/api/clock", a.handleClock)
	mux.HandleFunc("/api/sound/play", a.handlePlay)
	mux.HandleFunc("/api/sound/stop", a.handleSoundStop)
	mux.HandleFunc("/api/sound/preview", a.handlePreview)
	mux.HandleFunc("/api/sound/master", a.handleMaster)
	mux.HandleFunc("/api/sounds", a.handleSounds)
	mux.HandleFunc("/api/time", a.handleTime)
	mux.HandleFunc("/ws/clock", a.handleClockSocket)
	mux.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// decode reads an optional JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, library.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, library.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ambient.ErrMasterDisabled):
		status = http.StatusConflict
	case errors.Is(err, ambient.ErrMetadataTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ambient.ErrResolution), errors.Is(err, ambient.ErrPlayback):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctl.Status())
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req StartRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := a.ctl.Start(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	a.ctl.Stop()
	writeJSON(w, http.StatusOK, a.ctl.Status())
}

func (a *API) handleClock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req ClockSettings
	if !decode(w, r, &req) {
		return
	}
	if err := a.ctl.ApplyClock(req); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.ctl.Status().Clock)
}

type soundRequest struct {
	ID   string `json:"id"`
	Loop *bool  `json:"loop,omitempty"`
}

func (a *API) handlePlay(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req soundRequest
	if !decode(w, r, &req) {
		return
	}
	loop := req.Loop == nil || *req.Loop
	if err := a.ctl.PlaySound(r.Context(), req.ID, loop); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID, "loop": loop})
}

func (a *API) handleSoundStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req soundRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		http.Error(w, "sound id required", http.StatusBadRequest)
		return
	}
	a.ctl.StopSound(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID})
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req soundRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.ctl.PreviewSound(r.Context(), req.ID); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID})
}

func (a *API) handleMaster(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	a.ctl.SetMaster(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": req.Enabled})
}

func (a *API) handleSounds(w http.ResponseWriter, r *http.Request) {
	sounds, err := a.ctl.Sounds()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sounds": sounds})
}

func (a *API) handleTime(w http.ResponseWriter, r *http.Request) {
	format := a.format
	if f := r.URL.Query().Get("format"); f != "" {
		format = realclock.ParseFormat(f)
	}
	snap := a.ctl.Status().Clock
	writeJSON(w, http.StatusOK, map[string]any{
		"display":    realclock.FormatTime(snap.DisplayTime, format),
		"real":       realclock.FormatTime(snap.RealTime, format),
		"format":     format,
		"is_running": snap.IsRunning,
	})
}

// handleClockSocket pushes every engine snapshot to the client. Snapshots
// produced while a write is in flight are coalesced to the latest one.
func (a *API) handleClockSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	latest := make(chan timewarp.Snapshot, 1)
	unsubscribe := a.ctl.Subscribe(func(s timewarp.Snapshot) {
		select {
		case <-latest:
		default:
		}
		select {
		case latest <- s:
		default:
		}
	})
	defer unsubscribe()

	// Reader: only needed to notice the peer going away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(s timewarp.Snapshot) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(s) == nil
	}
	if !send(a.ctl.Status().Clock) {
		return
	}

	ping := time.NewTicker(wsPongWait / 2)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case s := <-latest:
			if !send(s) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
