package httpserver

import (
	"net/http"

	"github.com/roomkit/groupcall/internal/room"
)

// RegisterMonitor mounts the read-only monitoring API: aggregate server
// counts, the room list, and per-room endpoint detail. Intended for operators
// and tests, not for call clients.
func RegisterMonitor(mux *http.ServeMux, reg *room.Registry) {
	mux.HandleFunc("GET /monitor/server", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, reg.ServerSnapshot())
	})

	mux.HandleFunc("GET /monitor/rooms", func(w http.ResponseWriter, r *http.Request) {
		snap := reg.ServerSnapshot()
		WriteJSON(w, http.StatusOK, map[string]any{"rooms": snap.Rooms})
	})

	mux.HandleFunc("GET /monitor/rooms/{room}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("room")
		rm, ok := reg.Get(name)
		if !ok {
			WriteJSON(w, http.StatusNotFound, map[string]any{"error": "room not found"})
			return
		}
		WriteJSON(w, http.StatusOK, rm.Stats())
	})
}
