package coordinator

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/audio"
	"github.com/snarg/whisper-api/internal/registry"
	"github.com/snarg/whisper-api/internal/task"
	"github.com/snarg/whisper-api/internal/wire"
)

// wavHeader is enough of a RIFF prefix to pass the audio probe.
var wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

// testRig holds a coordinator wired to a fake decoder endpoint.
type testRig struct {
	coord    *Coordinator
	decoder  *wire.Conn // the fake decoder's end of the channel
	registry *registry.Registry[string, *task.Task]
	done     chan struct{}
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	coordToDec, decIn := io.Pipe()
	decToCoord, coordIn := io.Pipe()
	coordConn := wire.NewConn(decToCoord, decIn)
	decConn := wire.NewConn(coordToDec, coordIn)

	reg, err := registry.New[string, *task.Task](registry.Options{TTL: time.Hour})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	coord := New(Options{
		Conn:     coordConn,
		Registry: reg,
		Probe:    audio.SniffProbe{},
		Log:      zerolog.Nop(),
	})

	rig := &testRig{coord: coord, decoder: decConn, registry: reg, done: make(chan struct{})}
	go func() {
		coord.Listen()
		close(rig.done)
	}()
	t.Cleanup(func() {
		coord.Stop()
		decConn.Close()
		select {
		case <-rig.done:
		case <-time.After(2 * time.Second):
			t.Error("listener did not end")
		}
		coord.Files().ReleaseAll()
	})
	return rig
}

// awaitDecode reads the fake decoder side until a decode message arrives.
func (rig *testRig) awaitDecode(t *testing.T) *task.Task {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no decode message arrived")
		default:
		}
		env, ok, err := rig.decoder.Poll(2 * time.Second)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if !ok || env.Type != wire.TypeDecode {
			continue
		}
		tk, err := task.FromJSON(env.Data)
		if err != nil {
			t.Fatalf("bad decode payload: %v", err)
		}
		return tk
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitStagesAndForwards(t *testing.T) {
	rig := newTestRig(t)

	tk, err := rig.coord.Submit(bytes.NewReader(wavHeader), "meeting.wav", "audio/wav",
		task.TypeTranscribe, "de", task.ModelMedium)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if tk.Status != task.StatusPending {
		t.Errorf("Status = %q, want pending", tk.Status)
	}
	if tk.OriginalFileName != "meeting.wav" {
		t.Errorf("OriginalFileName = %q", tk.OriginalFileName)
	}
	if _, err := os.Stat(tk.AudiofileName); err != nil {
		t.Errorf("staged file missing: %v", err)
	}
	if _, ok := rig.registry.Get(tk.UUID); !ok {
		t.Error("task not registered")
	}

	got := rig.awaitDecode(t)
	if got.UUID != tk.UUID {
		t.Errorf("forwarded UUID = %q, want %q", got.UUID, tk.UUID)
	}
	if got.TargetModelSize != task.ModelMedium {
		t.Errorf("TargetModelSize = %q, want medium", got.TargetModelSize)
	}
}

func TestSubmitRejectsNonAudio(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.coord.Submit(strings.NewReader("definitely plain text, not audio"),
		"notes.txt", "audio/wav", task.TypeTranscribe, "", "")
	if !errors.Is(err, ErrInvalidAudio) {
		t.Fatalf("Submit = %v, want ErrInvalidAudio", err)
	}
	if rig.registry.Len() != 0 {
		t.Error("rejected upload left a registry entry")
	}
	if rig.coord.Files().Len() != 0 {
		t.Error("rejected upload left a staged file")
	}

	// Nothing crossed the channel to the decoder.
	env, ok, err := rig.decoder.Poll(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if ok {
		t.Errorf("decoder received %q after a rejected upload", env.Type)
	}
}

func TestTaskUpdateUpsertsAndReleases(t *testing.T) {
	rig := newTestRig(t)

	tk, err := rig.coord.Submit(bytes.NewReader(wavHeader), "a.wav", "audio/wav",
		task.TypeTranscribe, "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.awaitDecode(t)
	path := tk.AudiofileName

	update := *tk
	update.Status = task.StatusFinished
	update.Result = &task.WhisperResult{
		Text:      "hello world",
		Language:  "en",
		StartTime: time.Now().Add(-2 * time.Second),
		EndTime:   time.Now(),
	}
	data, _ := update.ToJSON()
	if err := rig.decoder.SendRaw(wire.Envelope{Type: wire.TypeTaskUpdate, Data: data}); err != nil {
		t.Fatalf("send task_update: %v", err)
	}

	waitFor(t, "registry upsert", func() bool {
		got, ok := rig.registry.Get(tk.UUID)
		return ok && got.Status == task.StatusFinished && got.Result != nil
	})
	waitFor(t, "staged file release", func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})
	if rig.coord.Files().Len() != 0 {
		t.Error("staged file still tracked after terminal update")
	}
}

func TestStatusUpdatesMirrorAndPositions(t *testing.T) {
	rig := newTestRig(t)

	tk, err := rig.coord.Submit(bytes.NewReader(wavHeader), "a.wav", "audio/wav",
		task.TypeTranscribe, "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.awaitDecode(t)

	err = rig.decoder.Send(wire.TypeStatus, wire.StatusPayload{
		GPUMode:             true,
		LastLoadedModelSize: task.ModelMedium,
		IsModelLoaded:       true,
		CurrentlyBusy:       true,
		TasksInQueue:        1,
		QueueStatus:         map[string]int{tk.UUID: 1},
	})
	if err != nil {
		t.Fatalf("send status: %v", err)
	}

	waitFor(t, "state mirror", func() bool {
		return rig.coord.State().IsModelLoaded
	})
	state := rig.coord.State()
	if !state.GPUMode || state.LastLoadedModelSize != task.ModelMedium || state.TasksInQueue != 1 {
		t.Errorf("state = %+v", state)
	}
	if state.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}

	got, _ := rig.registry.Get(tk.UUID)
	if got.PositionInQueue != 1 {
		t.Errorf("PositionInQueue = %d, want 1", got.PositionInQueue)
	}
}

func TestStatusPositionsSafeUnderConcurrentReads(t *testing.T) {
	rig := newTestRig(t)

	tk, err := rig.coord.Submit(bytes.NewReader(wavHeader), "a.wav", "audio/wav",
		task.TypeTranscribe, "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.awaitDecode(t)

	// Readers see registry entries the way the HTTP layer does while the
	// listener applies a burst of position updates.
	stopReaders := make(chan struct{})
	readersDone := make(chan struct{})
	go func() {
		defer close(readersDone)
		for {
			select {
			case <-stopReaders:
				return
			default:
			}
			if got, ok := rig.registry.Get(tk.UUID); ok {
				_ = got.ToResponse()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		err := rig.decoder.Send(wire.TypeStatus, wire.StatusPayload{
			TasksInQueue: 1,
			QueueStatus:  map[string]int{tk.UUID: i % 8},
		})
		if err != nil {
			t.Fatalf("send status: %v", err)
		}
	}
	waitFor(t, "final position applied", func() bool {
		got, ok := rig.registry.Get(tk.UUID)
		return ok && got.PositionInQueue == 199%8
	})

	close(stopReaders)
	select {
	case <-readersDone:
	case <-time.After(2 * time.Second):
		t.Fatal("readers did not stop")
	}
}

func TestSubmitUnwindsWhenForwardingFails(t *testing.T) {
	// A channel whose read side is gone makes every send fail.
	deadRead, deadWrite := io.Pipe()
	deadRead.Close()
	stalled, _ := io.Pipe()
	conn := wire.NewConn(stalled, deadWrite)
	defer conn.Close()

	reg, err := registry.New[string, *task.Task](registry.Options{TTL: time.Hour})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	coord := New(Options{
		Conn:     conn,
		Registry: reg,
		Probe:    audio.SniffProbe{},
		Log:      zerolog.Nop(),
	})

	before := stagedUploads(t)

	tk, err := coord.Submit(bytes.NewReader(wavHeader), "a.wav", "audio/wav",
		task.TypeTranscribe, "", "")
	if err == nil {
		t.Fatalf("Submit succeeded with a dead channel, task %+v", tk)
	}
	if reg.Len() != 0 {
		t.Error("failed submission left a registry entry")
	}
	if coord.Files().Len() != 0 {
		t.Error("failed submission left a tracked staged file")
	}
	for name := range stagedUploads(t) {
		if !before[name] {
			t.Errorf("failed submission left %s on disk", name)
		}
	}
}

// stagedUploads lists the upload temp files currently on disk.
func stagedUploads(t *testing.T) map[string]bool {
	t.Helper()
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "whisper-api-upload-") {
			names[e.Name()] = true
		}
	}
	return names
}

func TestListenerEndsOnChannelClose(t *testing.T) {
	rig := newTestRig(t)

	rig.decoder.Close()
	select {
	case <-rig.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept running after the channel closed")
	}
}

func TestRequestStatusForwards(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.coord.RequestStatus(); err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	env, ok, err := rig.decoder.Poll(2 * time.Second)
	if err != nil || !ok {
		t.Fatalf("poll = %v ok=%v", err, ok)
	}
	if env.Type != wire.TypeStatus {
		t.Errorf("type = %q, want status", env.Type)
	}
}

// fakeWorker records escalation calls.
type fakeWorker struct {
	mu         sync.Mutex
	terminated bool
	killed     bool
	exits      chan struct{} // closed when the fake process "ends"
}

func (w *fakeWorker) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminated = true
	return nil
}

func (w *fakeWorker) Kill() error {
	w.mu.Lock()
	w.killed = true
	w.mu.Unlock()
	close(w.exits)
	return nil
}

func (w *fakeWorker) Wait(timeout time.Duration) bool {
	select {
	case <-w.exits:
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestShutdownGracefulExit(t *testing.T) {
	rig := newTestRig(t)

	worker := &fakeWorker{exits: make(chan struct{})}
	go func() {
		// The decoder acknowledges the exit message by terminating.
		for {
			env, ok, err := rig.decoder.Poll(time.Second)
			if err != nil {
				return
			}
			if ok && env.Type == wire.TypeExit {
				close(worker.exits)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		rig.coord.Shutdown(worker)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	worker.mu.Lock()
	defer worker.mu.Unlock()
	if !worker.terminated {
		t.Error("worker never received terminate")
	}
	if worker.killed {
		t.Error("graceful exit escalated to kill")
	}
}

func TestShutdownEscalatesToKill(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	worker := &fakeWorker{exits: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		rig.coord.Shutdown(worker)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	worker.mu.Lock()
	defer worker.mu.Unlock()
	if !worker.killed {
		t.Error("wedged worker was not killed")
	}
}
