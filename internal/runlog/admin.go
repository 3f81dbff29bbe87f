package runlog

import (
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rtdecnef/internal/httputil"
)

// AttachAdminRoutes mounts the debug pages of the run log on mux: a live
// SQL console over the run database, the current CSV and the trial table.
func (l *Logger) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://run.db", l.db, &tailsql.DBOptions{
		Label: "Run log " + l.runID,
	})
	debug.Handle("tailsql/", "SQL live debugging of the run log", tsql.NewMux())

	debug.Handle("logs.csv", "Download the frame log as CSV", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		l.mu.Lock()
		data, err := l.fs.ReadFile(l.layout.CSVPath())
		l.mu.Unlock()
		if err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		httputil.WriteAttachment(w, "logs.csv", "text/csv", data)
	}))

	debug.Handle("trials", "Trials of this run as JSON", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows, err := l.Trials()
		if err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rows)
	}))
	return nil
}
