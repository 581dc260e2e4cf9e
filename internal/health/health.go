package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/austindbirch/indexhook/internal/connpool"
)

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Store   bool   `json:"store"`
	Broker  *Pool  `json:"broker,omitempty"`
}

// Pool summarizes broker connection pool usage
type Pool struct {
	Idle     int `json:"idle"`
	Borrowed int `json:"borrowed"`
	Max      int `json:"max"`
}

// Pinger is anything that can report liveness of a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats reports broker pool usage
type PoolStats interface {
	Stat() connpool.Stats
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. Either argument may be nil.
func HTTPHandler(store Pinger, pool PoolStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Store: true}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "store ping failed"
				st.Store = false
			}
		}
		if pool != nil {
			s := pool.Stat()
			st.Broker = &Pool{Idle: s.Idle, Borrowed: s.Borrowed, Max: s.Max}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
