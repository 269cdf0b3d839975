package handlers

import (
	"bytes"
	stderrors "errors"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"github.com/abrezinsky/planningpoker/internal/models"
	"github.com/abrezinsky/planningpoker/internal/repository"
	"github.com/abrezinsky/planningpoker/internal/stats"
)

// qrSize is the edge length of generated QR images in pixels
const qrSize = 256

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			if h.log != nil {
				h.log.Warn("Health check failed", "error", err)
			}
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondOK(w, status)
}

func (h *Handlers) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]string{"version": h.version})
}

func (h *Handlers) handleGetDecks(w http.ResponseWriter, r *http.Request) {
	respondOK(w, h.decks.List())
}

func (h *Handlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.gateway.Stats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondOK(w, st)
}

// sessionView looks up the session named by the {id} URL parameter
func (h *Handlers) sessionView(w http.ResponseWriter, r *http.Request) (models.SessionView, bool) {
	id := chi.URLParam(r, "id")
	view, found, err := h.gateway.View(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return models.SessionView{}, false
	}
	if !found {
		respondJSON(w, http.StatusNotFound, NotFound(models.MsgSessionNotFound))
		return models.SessionView{}, false
	}
	return view, true
}

func (h *Handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, ok := h.sessionView(w, r)
	if !ok {
		return
	}
	respondOK(w, view)
}

func (h *Handlers) handleGetSessionStats(w http.ResponseWriter, r *http.Request) {
	view, ok := h.sessionView(w, r)
	if !ok {
		return
	}
	respondOK(w, stats.Summarize(view))
}

func (h *Handlers) handleGetSessionQR(w http.ResponseWriter, r *http.Request) {
	view, ok := h.sessionView(w, r)
	if !ok {
		return
	}

	png, err := qrcode.Encode(h.JoinURL(r, view.ID), qrcode.Medium, qrSize)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

// JoinURL returns the share link for a session. The stored base_url setting
// wins; otherwise the request's own host is used.
func (h *Handlers) JoinURL(r *http.Request, sessionID string) string {
	base := h.baseURL(r)
	return base + "/?session=" + url.QueryEscape(sessionID)
}

func (h *Handlers) baseURL(r *http.Request) string {
	if h.settings != nil {
		stored, err := h.settings.GetSetting(r.Context(), repository.SettingBaseURL)
		if err == nil && stored != "" {
			return strings.TrimRight(stored, "/")
		}
		if err != nil && !stderrors.Is(err, repository.ErrNotFound) && h.log != nil {
			h.log.Warn("Failed to read base_url", "error", err)
		}
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// handleApp serves files from the app shell and falls back to index.html so
// client-side routes like /?session=abc load the app.
func (h *Handlers) handleApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		respondJSON(w, http.StatusMethodNotAllowed, NewAPIError(http.StatusMethodNotAllowed, models.CodeBadRequest, "Method not allowed"))
		return
	}
	if h.static == nil {
		respondJSON(w, http.StatusNotFound, NotFound("Not found"))
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}
	if info, err := fs.Stat(h.static, name); err != nil || info.IsDir() {
		name = "index.html"
	}

	data, err := fs.ReadFile(h.static, name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if name == "index.html" {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}
