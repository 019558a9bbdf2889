package api

import (
	"net/http"
	"time"

	"trongateway-core/eventbus"
)

// healthResponse is the operator /healthz payload recovered from
// original_source/'s operational dashboards (SPEC_FULL.md §10): a terse
// JSON summary of the scan cursor, queue depths, and stream session count
// rather than a bare 200.
type healthResponse struct {
	Status            string    `json:"status"`
	ScanCursor        uint64    `json:"scan_cursor"`
	CallbackQueueDepth int      `json:"callback_queue_depth"`
	StreamQueueDepth  int       `json:"stream_queue_depth"`
	StreamSessions    int       `json:"stream_sessions"`
	CheckedAt         time.Time `json:"checked_at"`
}

// healthz reports operator-visible liveness: the scan cursor, Event Bus
// queue depths, and stream session count. It never requires
// authentication, unlike every other route on this router.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.store.GetCursor(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	resp := healthResponse{
		Status:             status,
		ScanCursor:         cursor,
		CallbackQueueDepth: s.bus.Depth(eventbus.GroupCallback),
		StreamQueueDepth:   s.bus.Depth(eventbus.GroupStream),
		CheckedAt:          time.Now(),
	}
	if s.streamSessions != nil {
		resp.StreamSessions = s.streamSessions()
	}
	httpStatus := http.StatusOK
	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}
