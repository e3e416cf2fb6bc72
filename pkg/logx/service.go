package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// CampaignDir holds per-campaign JSON logs (campaign_<id>.log).
	// Empty disables campaign files.
	CampaignDir string

	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// Sender delivers a rendered log line to a chat. The control bot adapter implements it.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, text string) error
}

// Service owns the log sinks and can be reconfigured at runtime.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	campaignFiles map[string]*campaignFile

	sender   Sender
	tgQueue  chan telegramItem
	tgOnce   sync.Once
	tgCancel context.CancelFunc
	tgWG     sync.WaitGroup

	// guarded by mu
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type campaignFile struct {
	f    *os.File
	zl   zerolog.Logger
	refs int
}

// New creates the logging service, applies cfg immediately and returns the root Logger.
// sender may be nil when Telegram mirroring is not used.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		sender:        sender,
		tgQueue:       make(chan telegramItem, 256),
		campaignFiles: map[string]*campaignFile{},
	}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender attaches the Telegram sender after construction (the control adapter
// is usually built after logging).
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Apply swaps outputs and levels at runtime. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.chatID = cfg.Telegram.ChatID
	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := cfg.Telegram.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./tgcast.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.tgOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.tgCancel = cancel
			s.tgWG.Add(1)
			go func() {
				defer s.tgWG.Done()
				s.telegramWorker(ctx)
			}()
		})
		writers = append(writers, &telegramWriter{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(Stderr(), "logx: telegram logging enabled but control.log_chat is not set")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

// CampaignLogger returns base extended with a tee into the campaign's own log file.
// The returned release func must be called when the caller is done; the file is
// closed when the last holder releases it. When campaign files are disabled (or
// the file can't be opened) base is returned unchanged.
func (s *Service) CampaignLogger(base Logger, campaignID string) (Logger, func()) {
	noop := func() {}
	if s == nil || strings.TrimSpace(campaignID) == "" {
		return base, noop
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := strings.TrimSpace(s.cfg.CampaignDir)
	if dir == "" {
		return base, noop
	}
	cf := s.campaignFiles[campaignID]
	if cf == nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(Stderr(), "logx: campaign log dir %q: %v\n", dir, err)
			return base, noop
		}
		path := filepath.Join(dir, "campaign_"+sanitizeID(campaignID)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: campaign log %q: %v\n", path, err)
			return base, noop
		}
		cf = &campaignFile{
			f:  f,
			zl: zerolog.New(zerolog.SyncWriter(f)).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
		}
		s.campaignFiles[campaignID] = cf
	}
	cf.refs++

	l := base
	zl := cf.zl
	l.tee = &zl

	var once sync.Once
	return l, func() {
		once.Do(func() { s.releaseCampaign(campaignID) })
	}
}

// CampaignLogPath reports where the campaign log lives (it may not exist yet).
func (s *Service) CampaignLogPath(campaignID string) string {
	s.mu.Lock()
	dir := strings.TrimSpace(s.cfg.CampaignDir)
	s.mu.Unlock()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "campaign_"+sanitizeID(campaignID)+".log")
}

func (s *Service) releaseCampaign(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf := s.campaignFiles[id]
	if cf == nil {
		return
	}
	cf.refs--
	if cf.refs <= 0 {
		_ = cf.f.Close()
		delete(s.campaignFiles, id)
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.tgCancel
	s.tgCancel = nil
	for id, cf := range s.campaignFiles {
		_ = cf.f.Close()
		delete(s.campaignFiles, id)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.tgWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
