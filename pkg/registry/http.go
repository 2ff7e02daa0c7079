package registry

import (
	"encoding/json"
	"net/http"
	"sort"
)

// statusEntry is the JSON shape served at GET /status.
type statusEntry struct {
	ID      string  `json:"id"`
	Version int     `json:"version"`
	Rating  float64 `json:"rating"`
	NGames  int     `json:"ngames"`
}

func (r *Registry) handleStatus(w http.ResponseWriter, req *http.Request) {
	snap := r.Snapshot()
	out := make([]statusEntry, len(snap))
	for i, e := range snap {
		out[i] = statusEntry{ID: e.ID, Version: e.Version, Rating: e.Rating, NGames: e.NGames}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rating > out[j].Rating })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
