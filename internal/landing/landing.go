// Package landing serves the human-facing HTTP pages and the websocket watch
// endpoint.
package landing

import (
	"cmp"
	"context"
	"embed"
	"html/template"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/internal/state"
	"github.com/mpepping/rxcache/pkg/limits"
)

//go:embed html/*
var htmlFiles embed.FS

//go:embed templates/*
var templateFiles embed.FS

const pingInterval = 30 * time.Second

// WatchMessage is one JSON frame of the /watch stream. Synced marks the end
// of the snapshot and carries no event.
type WatchMessage struct {
	Snapshot bool                               `json:"snapshot,omitempty"`
	Synced   bool                               `json:"synced,omitempty"`
	Event    *event.ChangeEvent[string, string] `json:"event,omitempty"`
}

// Handler provides HTTP handlers for the landing page
type Handler struct {
	state    *state.State
	logger   *zap.Logger
	template *template.Template
	mux      *http.ServeMux
}

// NewHandler creates a new landing page handler
func NewHandler(st *state.State, logger *zap.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFiles, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}

	h := &Handler{
		state:    st,
		logger:   logger,
		template: tmpl,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /{$}", h.serveIndex)
	h.mux.HandleFunc("GET /style.css", h.serveStyle)
	h.mux.HandleFunc("GET /inspect", h.serveInspect)
	h.mux.HandleFunc("GET /health", h.serveHealth)
	h.mux.HandleFunc("GET /ready", h.serveReady)
	h.mux.HandleFunc("GET /watch", h.serveWatch)

	return h, nil
}

// ServeHTTP serves the landing page
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type cacheSummary struct {
	Name     string
	Entries  int
	Watchers int
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	names := h.state.ListCaches()
	caches := make([]cacheSummary, 0, len(names))
	for _, name := range names {
		cache, ok := h.state.LookupCache(name)
		if !ok {
			continue
		}
		caches = append(caches, cacheSummary{
			Name:     name,
			Entries:  cache.Size(),
			Watchers: h.state.Subscribers(name),
		})
	}

	h.render(w, "index.html.tmpl", struct {
		Caches []cacheSummary
	}{
		Caches: caches,
	})
}

func (h *Handler) serveStyle(w http.ResponseWriter, r *http.Request) {
	data, err := htmlFiles.ReadFile("html/style.css")
	if err != nil {
		h.logger.Error("failed to read style.css", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write(data) //nolint:errcheck
}

type entryRow struct {
	Key   string
	Value string
}

func (h *Handler) serveInspect(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("cache")
	if name == "" {
		http.Error(w, "cache parameter is required", http.StatusBadRequest)
		return
	}

	var rows []entryRow
	if cache, ok := h.state.LookupCache(name); ok {
		for k, v := range cache.Entries(nil) {
			rows = append(rows, entryRow{Key: k, Value: v})
		}
	}
	slices.SortFunc(rows, func(a, b entryRow) int {
		return cmp.Compare(a.Key, b.Key)
	})

	h.render(w, "inspect.html.tmpl", struct {
		Cache    string
		Entries  []entryRow
		Watchers int
	}{
		Cache:    name,
		Entries:  rows,
		Watchers: h.state.Subscribers(name),
	})
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.template.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("failed to render template", zap.String("template", name), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`)) //nolint:errcheck
}

func (h *Handler) serveReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.state == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`)) //nolint:errcheck
		return
	}
	w.Write([]byte(`{"status":"ready"}`)) //nolint:errcheck
}

// serveWatch streams the cache snapshot followed by live changes as JSON
// websocket messages
func (h *Handler) serveWatch(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("cache")
	if name == "" {
		http.Error(w, "cache parameter is required", http.StatusBadRequest)
		return
	}
	if len(name) > limits.CacheNameLengthMax {
		http.Error(w, "cache name too long", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer c.CloseNow() //nolint:errcheck

	// Watchers only listen; CloseRead cancels ctx once the peer goes away
	ctx := c.CloseRead(r.Context())

	snapshot, sub := h.state.Subscribe(ctx, name)
	defer sub.Unsubscribe()

	h.logger.Debug("websocket watch started",
		zap.String("cache", name),
		zap.Stringer("subscription_id", sub.ID),
		zap.Int("snapshot_count", len(snapshot)),
	)

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		evt := event.Insert(k, snapshot[k])
		if err := h.write(ctx, c, WatchMessage{Snapshot: true, Event: &evt}); err != nil {
			return
		}
	}
	if err := h.write(ctx, c, WatchMessage{Synced: true}); err != nil {
		return
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("websocket watch ended", zap.String("cache", name))
			return

		case <-pingTicker.C:
			if err := c.Ping(ctx); err != nil {
				h.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}

		case evt, ok := <-sub.Ch():
			if !ok {
				c.Close(websocket.StatusGoingAway, "cache closed") //nolint:errcheck
				return
			}
			if sub.Dropped() > 0 {
				c.Close(websocket.StatusPolicyViolation, "watcher fell behind") //nolint:errcheck
				return
			}
			if err := h.write(ctx, c, WatchMessage{Event: &evt}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, c *websocket.Conn, msg WatchMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, c, msg); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}
