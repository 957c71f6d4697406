package coordinator

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// StagedFiles tracks the temp files holding uploaded audio. HTTP handlers
// insert; the listener releases on terminal task updates. Each file is
// closed and deleted exactly once.
type StagedFiles struct {
	mu    sync.Mutex
	files map[string]*os.File
	log   zerolog.Logger
}

// NewStagedFiles creates an empty staging map.
func NewStagedFiles(log zerolog.Logger) *StagedFiles {
	return &StagedFiles{
		files: make(map[string]*os.File),
		log:   log.With().Str("component", "staged-files").Logger(),
	}
}

// Add registers a staged file under its path.
func (s *StagedFiles) Add(f *os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.Name()] = f
}

// Release closes and unlinks the staged file. Releasing an unknown path
// is a no-op, which makes duplicate terminal updates harmless.
func (s *StagedFiles) Release(path string) {
	s.mu.Lock()
	f, ok := s.files[path]
	delete(s.files, path)
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := f.Close(); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("closing staged file")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", path).Msg("deleting staged file")
	}
}

// Len is the number of files currently staged.
func (s *StagedFiles) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// ReleaseAll drops every staged file, for process shutdown.
func (s *StagedFiles) ReleaseAll() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.files))
	for path := range s.files {
		paths = append(paths, path)
	}
	s.mu.Unlock()

	for _, path := range paths {
		s.Release(path)
	}
}
