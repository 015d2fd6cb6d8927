// Package status serves the latest readings over a read only HTTP API.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/nergy-se/envoy/pkg/alarm"
	"github.com/nergy-se/envoy/pkg/packet"
	"github.com/nergy-se/envoy/pkg/version"
	"github.com/sirupsen/logrus"
)

const (
	defaultLimit = 12
	maxLimit     = 1000
)

type Archive interface {
	Range(ctx context.Context, since int64, limit int) ([]*packet.Packet, error)
}

type Server struct {
	listenAddr string
	loop       *packet.Cache
	archive    Archive
	alarms     *alarm.ActiveAlarms
	hardware   string
}

// New returns a status server. archive may be nil when archiving is disabled.
func New(listenAddr string, loop *packet.Cache, archive Archive, alarms *alarm.ActiveAlarms, hardware string) *Server {
	return &Server{
		listenAddr: listenAddr,
		loop:       loop,
		archive:    archive,
		alarms:     alarms,
		hardware:   hardware,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/loop", s.handleLoop)
	mux.HandleFunc("GET /api/archive", s.handleArchive)
	mux.HandleFunc("GET /api/alarms", s.handleAlarms)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /api/units", s.handleUnits)
	return gziphandler.GzipHandler(mux)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		logrus.Infof("status: listening on %s", s.listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("status server error: %w", err)
	}
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	p := s.loop.Get()
	if p == nil {
		writeJSONError(w, "no loop packet yet", http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSONError(w, "archive disabled", http.StatusServiceUnavailable)
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		since, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid since", http.StatusBadRequest)
			return
		}
	}
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	recs, err := s.archive.Range(r.Context(), since, limit)
	if err != nil {
		logrus.Errorf("status: archive: %s", err)
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*packet.Packet{}
	}
	writeJSON(w, recs)
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.alarms.List())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Driver        string          `json:"driver"`
		DriverVersion string          `json:"driver_version"`
		Hardware      string          `json:"hardware"`
		Build         json.RawMessage `json:"build"`
	}{
		Driver:        version.DriverName,
		DriverVersion: version.DriverVersion,
		Hardware:      s.hardware,
		Build:         json.RawMessage(version.Version),
	})
}

type unit struct {
	Field string `json:"field"`
	Group string `json:"group"`
	Unit  string `json:"unit"`
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	fields := packet.Fields()
	sort.Strings(fields)
	units := make([]unit, 0, len(fields))
	for _, f := range fields {
		group := packet.ObservationGroup(f)
		units = append(units, unit{Field: f, Group: group, Unit: packet.Units[group]})
	}
	writeJSON(w, units)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("status: failed to write response: %s", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		logrus.Warnf("status: failed to write error response: %s", err)
	}
}
