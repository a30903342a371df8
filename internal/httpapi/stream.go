package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Heartbeat interval for idle SSE connections; proxies tend to cut
// connections silent for 60s.
const streamHeartbeat = 25 * time.Second

// Stream serves payment lifecycle transitions as Server-Sent Events. Each
// event is named after its phase so clients can listen selectively.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := a.stream.Subscribe(r.Context())

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: payment.%s\nid: %s\ndata: %s\n\n", evt.Phase, evt.ID, payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
