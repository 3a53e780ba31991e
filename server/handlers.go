package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/store"
	"github.com/sangamhq/jobengine/template"
)

type templateInfo struct {
	template.Descriptor
	Schema template.ParamSchema `json:"schema"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := s.catalog.List()
	out := make([]templateInfo, 0, len(templates))
	for _, t := range templates {
		out = append(out, templateInfo{Descriptor: t.Describe(), Schema: t.Schema()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.catalog.Get(mux.Vars(r)["type"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, templateInfo{Descriptor: t.Describe(), Schema: t.Schema()})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := store.ListJobsOptions{
		TemplateType: r.URL.Query().Get("template"),
		EnabledOnly:  r.URL.Query().Get("enabled") == "true",
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}

	jobs, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		s.logger.Errorw("List jobs failed", "error", err)
		writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.JobDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var input store.NewJob
	if !s.decodeBody(w, r, &input) {
		return
	}
	if input.CreatedBy == "" {
		input.CreatedBy = adminUser(r)
	}

	def, err := s.store.Create(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var patch store.JobPatch
	if !s.decodeBody(w, r, &patch) {
		return
	}

	def, err := s.store.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	exec, err := s.scheduler.RunNow(r.Context(), jobID, adminUser(r))
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			resp := errorResponse{Error: err.Error()}
			if running, rerr := s.store.RunningExecution(r.Context(), jobID); rerr == nil {
				resp.RunningExecutionID = running.ID
			}
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if _, err := s.store.Get(r.Context(), jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.listExecutions(w, r, jobID)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	s.listExecutions(w, r, "")
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request, jobID string) {
	opts := store.ListExecutionsOptions{
		JobID:  jobID,
		Status: store.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	execs, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		s.logger.Errorw("List executions failed", "error", err)
		writeDomainError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.JobExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountAll(r.Context())
	if err != nil {
		s.logger.Errorw("Status counts failed", "error", err)
		writeDomainError(w, err)
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memory := map[string]any{
		"heapAllocBytes": ms.HeapAlloc,
		"goroutines":     runtime.NumGoroutine(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			memory["rssBytes"] = info.RSS
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"counts":    counts,
		"templates": len(s.catalog.List()),
		"uptime":    int64(time.Since(s.startedAt).Seconds()),
		"memory":    memory,
	})
}

// decodeBody decodes and validates a JSON request body. It reports
// whether the caller should proceed.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
