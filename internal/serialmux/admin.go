package serialmux

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"
)

const sendCommandPage = `<!doctype html>
<title>serial command</title>
<form method="post" action="send-command-api">
<input name="command" size="40" autofocus> <input type="submit" value="send">
<label><input type="checkbox" name="query" value="1"> wait for reply</label>
</form>
<pre id="tail"></pre>
<script>
const es = new EventSource("tail");
es.onmessage = (e) => { document.getElementById("tail").textContent += e.data + "\n"; };
</script>
`

// AttachAdminRoutes adds /debug/ endpoints to send raw commands to the
// instrument and tail its output over server-sent events.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the serial instrument", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, sendCommandPage)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if r.FormValue("query") != "" {
			reply, err := s.Query(r.Context(), command, 2*time.Second)
			if err != nil {
				http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusGatewayTimeout)
				return
			}
			io.WriteString(w, reply)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
