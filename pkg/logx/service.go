package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./postwise.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process-wide sinks. Loggers from Logger() follow Apply.
type Service struct {
	zl atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	cfg  Config
	file *os.File
}

// New builds the service and applies cfg. A file that cannot be opened is
// reported on stderr and logging continues on the console.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{sink: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps level and sinks. The old file is closed only after the new
// logger is live. On a file error the console sink is used and the error
// returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sinks   []io.Writer
		newFile *os.File
		openErr error
	)
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = fmt.Errorf("open log file %q: %w", path, err)
		} else {
			newFile = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := newZerolog(zerolog.MultiLevelWriter(sinks...), ParseLevel(cfg.Level))
	s.zl.Store(&zl)

	old := s.file
	s.file, s.cfg = newFile, cfg
	if old != nil {
		_ = old.Close()
	}
	return openErr
}

// Close releases the log file. Later events go nowhere until Apply.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nop := zerolog.Nop()
	s.zl.Store(&nop)
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
