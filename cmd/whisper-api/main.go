// whisper-api is a single binary with two roles. By default it runs the
// front: HTTP surface, task registry and the coordinator. With -decoder
// it runs the worker that owns the ASR models, spawned by the front with
// stdin/stdout as the message channel and fd 3 as the log channel.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/api"
	"github.com/snarg/whisper-api/internal/asr"
	"github.com/snarg/whisper-api/internal/audio"
	"github.com/snarg/whisper-api/internal/config"
	"github.com/snarg/whisper-api/internal/coordinator"
	"github.com/snarg/whisper-api/internal/decoder"
	"github.com/snarg/whisper-api/internal/logfanin"
	"github.com/snarg/whisper-api/internal/metrics"
	"github.com/snarg/whisper-api/internal/registry"
	"github.com/snarg/whisper-api/internal/task"
	"github.com/snarg/whisper-api/internal/wire"
)

var version = "dev"

func main() {
	decoderRole := flag.Bool("decoder", false, "run as the decoder worker process")
	flag.Parse()

	if *decoderRole {
		runDecoder()
		return
	}
	runFront()
}

func logLevel(cfg *config.Config) zerolog.Level {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return level
}

// runDecoder is the worker role. Its log output never touches the shared
// sink directly: every record is framed onto fd 3 for the front to re-emit.
func runDecoder() {
	cfg, err := config.Load()
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.LogDateFormat != "" {
		zerolog.TimeFieldFormat = cfg.LogDateFormat
	}

	// Records stay JSON here regardless of LOG_FORMAT: the front owns the
	// human-readable rendering when it re-emits them.
	var sink io.Writer = os.Stderr
	if logPipe := os.NewFile(3, "logpipe"); logPipe != nil {
		sink = logfanin.NewChildWriter(logPipe, "decoder")
	}
	log := zerolog.New(sink).With().Timestamp().Logger().Level(logLevel(cfg))
	log.Info().Str("version", version).Msg("decoder starting")

	models := decoder.NewModelManager(decoder.ModelManagerOptions{
		Loader:            asr.NewLoader(asr.Options{BaseURL: cfg.ASRURL, Timeout: cfg.ASRTimeout()}),
		Device:            asr.StaticDevice{FreeBytes: cfg.ASRGPUMemory},
		UseGPUIfAvailable: cfg.UseGPUIfAvailable,
		MaxModel:          cfg.MaxModel,
		CPUFallbackModel:  cfg.CPUFallbackModel,
		DevelopMode:       cfg.DevelopMode,
		Log:               log,
	})

	dec := decoder.New(decoder.Options{
		Conn:               wire.NewConn(os.Stdin, os.Stdout),
		Models:             models,
		QueueSize:          cfg.MaxTaskQueueSize,
		UnloadModelAfter:   cfg.UnloadModelAfter(),
		LoadModelOnStartup: cfg.LoadModelOnStartup,
		MaxModel:           cfg.MaxModel,
		Redactor:           logfanin.Redactor{Privacy: cfg.LogPrivacyMode},
		Log:                log,
	})

	if err := dec.Run(); err != nil {
		log.Error().Err(err).Msg("decoder ended with error")
		os.Exit(1)
	}
	log.Info().Msg("decoder stopped")
}

// runFront is the default role: it spawns the decoder process and serves
// the HTTP API.
func runFront() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.LogDateFormat != "" {
		zerolog.TimeFieldFormat = cfg.LogDateFormat
	}

	// LOG_FORMAT=console renders stdout for humans. The file sink always
	// keeps raw JSON records.
	var stdout io.Writer = os.Stdout
	if cfg.ConsoleLog() {
		cw := zerolog.ConsoleWriter{Out: os.Stdout}
		if cfg.LogDateFormat != "" {
			cw.TimeFormat = cfg.LogDateFormat
		}
		stdout = cw
	}

	var sink io.Writer = stdout
	if cfg.LogDir != "" {
		interval, _ := logfanin.RotationInterval(cfg.LogRotationWhen, cfg.LogRotationInterval)
		rw, err := logfanin.NewRotatingWriter(cfg.LogPath(), interval, cfg.LogRotationBackupCount)
		if err != nil {
			early := zerolog.New(os.Stderr).With().Timestamp().Logger()
			early.Fatal().Err(err).Msg("failed to open log file")
		}
		sink = zerolog.MultiLevelWriter(stdout, rw)
	}
	log := zerolog.New(sink).With().Timestamp().Str("process", "front").Logger().Level(logLevel(cfg))
	log.Info().Str("version", version).Msg("whisper-api starting")

	reg, err := registry.New[string, *task.Task](registry.Options{
		TTL:             cfg.ResultTTL(),
		RefreshOnAccess: cfg.RefreshExpirationTime,
		SweepInterval:   cfg.SweepInterval(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create task registry")
	}
	defer reg.Close()

	conn, logListener, worker, err := spawnDecoder(sink, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to spawn decoder process")
	}

	coord := coordinator.New(coordinator.Options{
		Conn:     conn,
		Registry: reg,
		Probe:    audio.SniffProbe{},
		Redactor: logfanin.Redactor{Privacy: cfg.LogPrivacyMode},
		Log:      log,
	})
	go coord.Listen()

	prometheus.MustRegister(metrics.NewCollector(coreStats{reg: reg, files: coord.Files()}))

	srv := api.NewServer(cfg, coord, reg, version, startTime, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	coord.Shutdown(worker)

	logListener.Stop()
	if !logListener.Join(5 * time.Second) {
		log.Error().Msg("log listener did not stop in time")
	}

	log.Info().Msg("whisper-api stopped")
}

// spawnDecoder starts this executable again with -decoder. Child stdin
// and stdout form the message channel; fd 3 carries the child's log
// records back to the shared sink.
func spawnDecoder(sink io.Writer, log zerolog.Logger) (*wire.Conn, *logfanin.Listener, coordinator.WorkerHandle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, nil, err
	}

	logRead, logWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}

	cmd := exec.Command(exe, "-decoder")
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{logWrite}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	// The write end lives in the child now.
	logWrite.Close()
	log.Info().Int("pid", cmd.Process.Pid).Msg("decoder process started")

	listener := logfanin.NewListener(logRead, sink)
	go listener.Run()

	return wire.NewConn(stdout, stdin), listener, newProcHandle(cmd), nil
}

// coreStats feeds the scrape-time metrics collector.
type coreStats struct {
	reg   *registry.Registry[string, *task.Task]
	files *coordinator.StagedFiles
}

func (s coreStats) RegisteredTasks() int { return s.reg.Len() }
func (s coreStats) StagedFiles() int     { return s.files.Len() }

// procHandle adapts an exec.Cmd to the coordinator's escalation surface.
type procHandle struct {
	cmd    *exec.Cmd
	waited chan struct{}
}

func newProcHandle(cmd *exec.Cmd) *procHandle {
	h := &procHandle{cmd: cmd, waited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(h.waited)
	}()
	return h
}

func (h *procHandle) Terminate() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *procHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *procHandle) Wait(timeout time.Duration) bool {
	select {
	case <-h.waited:
		return true
	case <-time.After(timeout):
		return false
	}
}
