package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/config"
	"github.com/snarg/whisper-api/internal/coordinator"
	"github.com/snarg/whisper-api/internal/registry"
	"github.com/snarg/whisper-api/internal/task"
)

// fakeCore stands in for the coordinator.
type fakeCore struct {
	submitted       *task.Task
	submitErr       error
	state           coordinator.DecoderState
	statusRequested int

	gotType  task.Type
	gotLang  string
	gotModel task.ModelSize
	gotName  string
}

func (f *fakeCore) Submit(upload io.Reader, originalName, contentType string, taskType task.Type, lang string, model task.ModelSize) (*task.Task, error) {
	io.Copy(io.Discard, upload)
	f.gotType = taskType
	f.gotLang = lang
	f.gotModel = model
	f.gotName = originalName
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitted, nil
}

func (f *fakeCore) RequestStatus() error {
	f.statusRequested++
	return nil
}

func (f *fakeCore) State() coordinator.DecoderState { return f.state }

func newTestServer(t *testing.T, core *fakeCore, cfg *config.Config) (*Server, *registry.Registry[string, *task.Task]) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	reg, err := registry.New[string, *task.Task](registry.Options{TTL: time.Hour})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return NewServer(cfg, core, reg, "test", time.Now(), zerolog.Nop()), reg
}

func multipartBody(t *testing.T, fieldName, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(fieldName, fileName)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestSubmitEndpoints(t *testing.T) {
	tk := task.New("/tmp/staged", "clip.wav", task.TypeTranscribe, "de", task.ModelSmall)
	core := &fakeCore{submitted: tk}
	srv, _ := newTestServer(t, core, nil)

	body, ctype := multipartBody(t, "file", "clip.wav", []byte("RIFFxxxxWAVE"))
	req := httptest.NewRequest("POST", "/api/v1/transcribe?language=de&model=small", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if core.gotType != task.TypeTranscribe || core.gotLang != "de" || core.gotModel != task.ModelSmall {
		t.Errorf("Submit called with %v/%q/%q", core.gotType, core.gotLang, core.gotModel)
	}
	if core.gotName != "clip.wav" {
		t.Errorf("original name = %q", core.gotName)
	}

	var resp task.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID != tk.UUID || resp.Status != task.StatusPending {
		t.Errorf("response = %+v", resp)
	}
}

func TestTranslateUsesTranslateType(t *testing.T) {
	core := &fakeCore{submitted: task.New("/tmp/x", "x.wav", task.TypeTranslate, "", "")}
	srv, _ := newTestServer(t, core, nil)

	body, ctype := multipartBody(t, "file", "x.wav", []byte("RIFFxxxxWAVE"))
	req := httptest.NewRequest("POST", "/api/v1/translate", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if core.gotType != task.TypeTranslate {
		t.Errorf("task type = %v, want translate", core.gotType)
	}
}

func TestSubmitRejections(t *testing.T) {
	t.Run("missing_file_field", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeCore{}, nil)
		body, ctype := multipartBody(t, "audio", "x.wav", []byte("RIFFxxxxWAVE"))
		req := httptest.NewRequest("POST", "/api/v1/transcribe", body)
		req.Header.Set("Content-Type", ctype)
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid_model", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeCore{}, nil)
		body, ctype := multipartBody(t, "file", "x.wav", []byte("RIFFxxxxWAVE"))
		req := httptest.NewRequest("POST", "/api/v1/transcribe?model=enormous", body)
		req.Header.Set("Content-Type", ctype)
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid_audio", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeCore{submitErr: coordinator.ErrInvalidAudio}, nil)
		body, ctype := multipartBody(t, "file", "notes.txt", []byte("plain text"))
		req := httptest.NewRequest("POST", "/api/v1/transcribe", body)
		req.Header.Set("Content-Type", ctype)
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestStatusLookup(t *testing.T) {
	srv, reg := newTestServer(t, &fakeCore{}, nil)

	tk := task.New("/tmp/staged", "clip.wav", task.TypeTranscribe, "", "")
	reg.Put(tk.UUID, tk)

	t.Run("known_task", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status?task_id="+tk.UUID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp task.Response
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.TaskID != tk.UUID {
			t.Errorf("TaskID = %q", resp.TaskID)
		}
	})

	t.Run("unknown_task", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status?task_id=deadbeef", nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "task_id not valid") {
			t.Errorf("body = %s", rec.Body)
		}
	})

	t.Run("missing_task_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestSRTEndpoint(t *testing.T) {
	srv, reg := newTestServer(t, &fakeCore{}, nil)

	finished := task.New("/tmp/staged", "talk.mp3", task.TypeTranscribe, "", "")
	finished.Status = task.StatusFinished
	finished.Result = &task.WhisperResult{
		Text:           "hello there",
		Language:       "en",
		OutputLanguage: "en",
		Segments: []task.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: "hello"},
			{ID: 1, Start: 1.5, End: 3, Text: "there"},
		},
	}
	reg.Put(finished.UUID, finished)

	pending := task.New("/tmp/other", "other.mp3", task.TypeTranscribe, "", "")
	reg.Put(pending.UUID, pending)

	t.Run("finished_task_streams_srt", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/srt?task_id="+finished.UUID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("Content-Type = %q", ct)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "talk.mp3_en.srt") {
			t.Errorf("Content-Disposition = %q", cd)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "00:00:00,000 --> 00:00:01,500") || !strings.Contains(body, "hello") {
			t.Errorf("srt body = %q", body)
		}
	})

	t.Run("unfinished_task_rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/srt?task_id="+pending.UUID, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestDecoderStatusEndpoints(t *testing.T) {
	core := &fakeCore{state: coordinator.DecoderState{
		GPUMode:             true,
		LastLoadedModelSize: task.ModelMedium,
		IsModelLoaded:       true,
		TasksInQueue:        2,
		ReceivedAt:          time.Now(),
	}}
	srv, _ := newTestServer(t, core, nil)

	t.Run("decoder_status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/decoder_status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var state coordinator.DecoderState
		json.NewDecoder(rec.Body).Decode(&state)
		if !state.GPUMode || state.TasksInQueue != 2 {
			t.Errorf("state = %+v", state)
		}
	})

	t.Run("decoder_status_refresh", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/decoder_status_refresh", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if core.statusRequested != 1 {
			t.Errorf("statusRequested = %d, want 1", core.statusRequested)
		}
	})
}

func TestUserInfo(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCore{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/userinfo", nil)
	req.Header.Set("X-Email", "ada@example.org")
	req.Header.Set("X-User", "ada")
	req.Header.Set("User-Agent", "curl/8")
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	var info map[string]string
	json.NewDecoder(rec.Body).Decode(&info)
	if info["email"] != "ada@example.org" || info["user"] != "ada" || info["user_agent"] != "curl/8" {
		t.Errorf("info = %v", info)
	}
}

func TestLogsEndpoint(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "events.log"), []byte(`{"level":"info"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		LogDir:          dir,
		AuthorizedMails: []string{"ada@example.org"},
	}
	srv, _ := newTestServer(t, &fakeCore{}, cfg)

	t.Run("unauthorized", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/logs", nil)
		req.Header.Set("X-Email", "mallory@example.org")
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("authorized_gets_zip", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/logs", nil)
		req.Header.Set("X-Email", "ada@example.org")
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
		if err != nil {
			t.Fatalf("not a zip: %v", err)
		}
		if len(zr.File) != 1 || zr.File[0].Name != "events.log" {
			t.Errorf("zip contents = %v", zr.File)
		}
	})
}

func TestHealth(t *testing.T) {
	t.Run("no_decoder_status_yet", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeCore{}, nil)
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
		var resp HealthResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Status != "degraded" || resp.Checks["decoder"] != "no_status_yet" {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("decoder_seen", func(t *testing.T) {
		core := &fakeCore{state: coordinator.DecoderState{ReceivedAt: time.Now()}}
		srv, _ := newTestServer(t, core, nil)
		rec := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
		var resp HealthResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Status != "healthy" || resp.Checks["decoder"] != "ok" {
			t.Errorf("resp = %+v", resp)
		}
	})
}
