package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"creatorbills/internal/core"
	"creatorbills/internal/log"
	"creatorbills/internal/services"
	"creatorbills/internal/sink"
)

const listLimit = 20

type progressResponse struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	services.Progress
}

func newProgressResponse(sess *services.Session) progressResponse {
	return progressResponse{SessionID: sess.ID(), StartedAt: sess.StartedAt(), Progress: sess.Progress()}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())
	if s.templates == nil {
		logger.ErrorContext(r.Context(), "Templates not loaded")
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}

	data := struct {
		Years      []int
		YearsError bool
		Progress   *services.Progress
		Running    bool
		Completed  bool
		Exports    []sink.ExportInfo
	}{}

	years, err := s.exporter.AvailableYears(r.Context())
	if err != nil {
		logger.WarnContext(r.Context(), "Could not list available years", log.FieldError, err)
		data.YearsError = true
	}
	data.Years = years

	if sess, ok := s.exporter.Current(); ok {
		p := sess.Progress()
		data.Progress = &p
		data.Running = p.State == services.StatePending || p.State == services.StateRunning
		data.Completed = p.State == services.StateCompleted
	}

	if s.archive != nil {
		exports, err := s.archive.List(r.Context(), listLimit)
		if err != nil {
			logger.WarnContext(r.Context(), "Could not list retained exports", log.FieldError, err)
		}
		data.Exports = exports
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		logger.ErrorContext(r.Context(), "Index template execution failed", log.FieldError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleYears(w http.ResponseWriter, r *http.Request) {
	years, err := s.exporter.AvailableYears(r.Context())
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "List available years failed",
			log.FieldOperation, log.OpListYears, log.FieldError, err)
		writeError(w, r, http.StatusBadGateway, "could not list available years")
		return
	}
	if years == nil {
		years = []int{}
	}
	writeJSON(w, r, http.StatusOK, map[string][]int{"years": years})
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	year, err := parseYearSelection(r.PostFormValue("year"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.exporter.Start(r.Context(), services.Request{Year: year})
	if errors.Is(err, core.ErrExportInProgress) {
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to start export", log.FieldError, err)
		writeError(w, r, http.StatusInternalServerError, "could not start export")
		return
	}

	log.FromContext(r.Context()).InfoContext(r.Context(), "Export started",
		log.FieldSessionID, sess.ID(), log.FieldYear, year)
	w.Header().Set("Location", "/exports/current")
	writeJSON(w, r, http.StatusAccepted, newProgressResponse(sess))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.exporter.Current()
	if !ok {
		writeError(w, r, http.StatusNotFound, "no export has been started")
		return
	}
	writeJSON(w, r, http.StatusOK, newProgressResponse(sess))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	export, ok, err := s.downloadable(r)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to load export", log.FieldError, err)
		writeError(w, r, http.StatusInternalServerError, "could not load export")
		return
	}
	if !ok {
		if sess, running := s.exporter.Current(); running && !sessionDone(sess) {
			writeError(w, r, http.StatusConflict, "export is still running")
			return
		}
		writeError(w, r, http.StatusNotFound, "no export available")
		return
	}
	writeCSV(w, export)
}

// handleDownloadByID serves a retained export by session id.
func (s *Server) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.archive == nil {
		writeError(w, r, http.StatusNotFound, "no export available")
		return
	}
	export, ok, err := s.archive.Get(r.Context(), id)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to load export",
			log.FieldSessionID, id, log.FieldError, err)
		writeError(w, r, http.StatusInternalServerError, "could not load export")
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "no export available")
		return
	}
	writeCSV(w, export)
}

// handleListExports lists retained exports, newest first.
func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	exports := []sink.ExportInfo{}
	if s.archive != nil {
		list, err := s.archive.List(r.Context(), listLimit)
		if err != nil {
			log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to list exports", log.FieldError, err)
			writeError(w, r, http.StatusInternalServerError, "could not list exports")
			return
		}
		exports = append(exports, list...)
	}
	writeJSON(w, r, http.StatusOK, map[string][]sink.ExportInfo{"exports": exports})
}

func writeCSV(w http.ResponseWriter, export sink.Export) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", attachmentDisposition(export.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(export.CSV)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.CSV)
}

// downloadable picks the completed current session, falling back to the
// archive when this process has not completed an export.
func (s *Server) downloadable(r *http.Request) (sink.Export, bool, error) {
	if sess, ok := s.exporter.Current(); ok {
		if !sessionDone(sess) {
			return sink.Export{}, false, nil
		}
		if e, err := sess.Result(); err == nil {
			return e, true, nil
		}
	}
	if s.archive == nil {
		return sink.Export{}, false, nil
	}
	return s.archive.Latest(r.Context())
}

func sessionDone(sess *services.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}
