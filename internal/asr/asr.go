// Package asr adapts an OpenAI-compatible speech-to-text server into the
// decoder's model interfaces. Checkpoints live server-side; loading a
// model here selects which checkpoint requests are routed to.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snarg/whisper-api/internal/decoder"
	"github.com/snarg/whisper-api/internal/task"
)

// defaultModelNames maps the public size names to server checkpoint ids.
var defaultModelNames = map[task.ModelSize]string{
	task.ModelLarge:  "large-v3",
	task.ModelMedium: "medium",
	task.ModelSmall:  "small",
	task.ModelBase:   "base",
}

// Options configures the HTTP loader.
type Options struct {
	// BaseURL is the server prefix, e.g. "http://127.0.0.1:8000/v1/audio".
	BaseURL string
	// Timeout bounds a single inference request.
	Timeout time.Duration
	// ModelNames overrides the size→checkpoint mapping.
	ModelNames map[task.ModelSize]string
}

// Loader creates transcribers bound to one checkpoint each.
type Loader struct {
	opts   Options
	client *http.Client
}

// NewLoader creates an HTTP-backed model loader.
func NewLoader(opts Options) *Loader {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Loader{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Load binds a transcriber to the checkpoint for the given size. The
// device argument travels with the request so the server places the
// checkpoint accordingly.
func (l *Loader) Load(size task.ModelSize, device task.Device) (decoder.Transcriber, error) {
	name, ok := l.opts.ModelNames[size]
	if !ok {
		name, ok = defaultModelNames[size]
	}
	if !ok {
		return nil, fmt.Errorf("asr: no checkpoint mapped for model size %q", size)
	}
	return &Model{
		baseURL: strings.TrimRight(l.opts.BaseURL, "/"),
		model:   name,
		device:  device,
		client:  l.client,
	}, nil
}

// Model is one loaded checkpoint on the remote server.
type Model struct {
	baseURL string
	model   string
	device  task.Device
	client  *http.Client
}

// response is the verbose_json body of the transcription endpoints.
type response struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID     int     `json:"id"`
		Start  float64 `json:"start"`
		End    float64 `json:"end"`
		Text   string  `json:"text"`
		Tokens []int   `json:"tokens"`
	} `json:"segments"`
}

// Transcribe sends the staged audio file to the server. Translation jobs
// go to the translations endpoint, which always produces English.
func (m *Model) Transcribe(audioPath, sourceLanguage string, taskType task.Type) (*decoder.Transcription, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	w.WriteField("model", m.model)
	w.WriteField("response_format", "verbose_json")
	if sourceLanguage != "" {
		w.WriteField("language", sourceLanguage)
	}
	if m.device != "" {
		w.WriteField("device", string(m.device))
	}
	w.Close()

	endpoint := m.baseURL + "/transcriptions"
	if taskType == task.TypeTranslate {
		endpoint = m.baseURL + "/translations"
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusInsufficientStorage {
		return nil, fmt.Errorf("asr server (status %d): %w", resp.StatusCode, decoder.ErrOutOfMemory)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asr server error (status %d): %s", resp.StatusCode, string(body))
	}

	var result response
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &decoder.Transcription{
		Text:     result.Text,
		Language: result.Language,
	}
	for _, seg := range result.Segments {
		out.Segments = append(out.Segments, task.Segment{
			ID:     seg.ID,
			Start:  seg.Start,
			End:    seg.End,
			Text:   seg.Text,
			Tokens: seg.Tokens,
		})
	}
	return out, nil
}
