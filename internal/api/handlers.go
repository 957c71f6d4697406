package api

import (
	"archive/zip"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/config"
	"github.com/snarg/whisper-api/internal/coordinator"
	"github.com/snarg/whisper-api/internal/registry"
	"github.com/snarg/whisper-api/internal/task"
)

// Handler carries the dependencies shared by all endpoints.
type Handler struct {
	core      Core
	registry  *registry.Registry[string, *task.Task]
	cfg       *config.Config
	version   string
	startTime time.Time
	log       zerolog.Logger
}

// maxUploadMemory bounds the in-memory part of multipart parsing; larger
// uploads spill to disk.
const maxUploadMemory = 32 << 20

// Transcribe handles POST /api/v1/transcribe.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, task.TypeTranscribe)
}

// Translate handles POST /api/v1/translate. Output is always English.
func (h *Handler) Translate(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, task.TypeTranslate)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, taskType task.Type) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	language := r.URL.Query().Get("language")
	model, err := task.ParseModelSize(r.URL.Query().Get("model"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	tk, err := h.core.Submit(file, header.Filename, header.Header.Get("Content-Type"), taskType, language, model)
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidAudio) {
			WriteError(w, http.StatusBadRequest, "file does not look like decodable audio")
			return
		}
		h.log.Error().Err(err).Msg("submission failed")
		WriteError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	WriteJSON(w, http.StatusOK, tk.ToResponse())
}

// Status handles GET /api/v1/status?task_id=…. Unknown, expired and
// missing ids all read the same to the client.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	tk, ok := h.lookup(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "task_id not valid")
		return
	}
	WriteJSON(w, http.StatusOK, tk.ToResponse())
}

// SRT handles GET /api/v1/srt?task_id=…. It streams a subtitle rendering
// of a finished task's segments.
func (h *Handler) SRT(w http.ResponseWriter, r *http.Request) {
	tk, ok := h.lookup(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "task_id not valid")
		return
	}
	if tk.Status != task.StatusFinished || tk.Result == nil {
		WriteError(w, http.StatusBadRequest, "task is not finished")
		return
	}

	filename := task.SRTFileName(tk.OriginalFileName, tk.Result.OutputLanguage)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := task.RenderSRT(w, tk.Result.Segments); err != nil {
		h.log.Error().Err(err).Msg("srt rendering failed mid-stream")
	}
}

func (h *Handler) lookup(r *http.Request) (*task.Task, bool) {
	id, ok := QueryString(r, "task_id")
	if !ok {
		return nil, false
	}
	return h.registry.Get(id)
}

// DecoderStatus handles GET /api/v1/decoder_status.
func (h *Handler) DecoderStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.core.State())
}

// DecoderStatusRefresh handles GET /api/v1/decoder_status_refresh. It asks
// the decoder for a fresh snapshot without waiting for the reply; the
// mirror updates when the answer arrives.
func (h *Handler) DecoderStatusRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.core.RequestStatus(); err != nil {
		h.log.Error().Err(err).Msg("status refresh request failed")
		WriteError(w, http.StatusInternalServerError, "decoder unreachable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"refresh_requested": true})
}

// UserInfo handles GET /api/v1/userinfo. The identity headers are set by
// the authenticating reverse proxy in front of this service.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"email":      r.Header.Get("X-Email"),
		"user":       r.Header.Get("X-User"),
		"user_agent": r.Header.Get("User-Agent"),
	})
}

// Logs handles GET /api/v1/logs. It streams a zip of the log directory to
// callers whose X-Email is on the allowlist.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	mail := r.Header.Get("X-Email")
	if !h.cfg.MailAuthorized(mail) {
		WriteError(w, http.StatusForbidden, "not authorized")
		return
	}
	if h.cfg.LogDir == "" {
		WriteError(w, http.StatusNotFound, "file logging is not configured")
		return
	}

	entries, err := os.ReadDir(h.cfg.LogDir)
	if err != nil {
		h.log.Error().Err(err).Msg("reading log dir")
		WriteError(w, http.StatusInternalServerError, "cannot read log directory")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="logs.zip"`)
	zw := zip.NewWriter(w)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := h.addLogFile(zw, entry.Name()); err != nil {
			h.log.Error().Err(err).Str("file", entry.Name()).Msg("zipping log file")
			break
		}
	}
	if err := zw.Close(); err != nil {
		h.log.Error().Err(err).Msg("finishing log zip")
	}
}

func (h *Handler) addLogFile(zw *zip.Writer, name string) error {
	f, err := os.Open(filepath.Join(h.cfg.LogDir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// Health handles GET /api/v1/health. The decoder counts as reachable when
// it has published at least one status snapshot.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.core.State().ReceivedAt.IsZero() {
		checks["decoder"] = "no_status_yet"
		status = "degraded"
	} else {
		checks["decoder"] = "ok"
	}
	checks["registry"] = "ok"

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
