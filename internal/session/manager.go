package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agleyzer/livecaption/internal/config"
	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/playlist"
	"github.com/agleyzer/livecaption/internal/store"
	"github.com/agleyzer/livecaption/internal/stt"
	"github.com/agleyzer/livecaption/internal/transcode"
	"github.com/agleyzer/livecaption/internal/transcribe"
	"github.com/agleyzer/livecaption/internal/translate"
	"github.com/agleyzer/livecaption/internal/variant"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyRunning is returned when starting an id that is still live.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrInvalidRequest wraps every start request rejected before any work begins.
	ErrInvalidRequest = errors.New("invalid session request")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Request is a start command.
type Request struct {
	// ID names the session and its directory. Empty means a generated UUID.
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	// SourceLanguage overrides the configured spoken language.
	SourceLanguage string `json:"source_language,omitempty"`
	// Languages overrides the configured subtitle languages.
	Languages []string `json:"languages,omitempty"`
}

// Options configure a Manager. Nil collaborators are built from Config.
type Options struct {
	Config     *config.Config
	Primary    stt.Provider
	Fallback   stt.Provider
	Translator translate.Translator
	Publisher  playlist.Publisher
	Journal    journal.Recorder
	Logger     *slog.Logger
}

// Manager runs isolated sessions, each with its own directory, worker pool and
// cancellation.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("session manager: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Journal == nil {
		opts.Journal = journal.Discard
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}, nil
}

// Start creates and starts a session. The session is detached from ctx's
// cancellation so it outlives the request that started it; use Stop.
func (m *Manager) Start(ctx context.Context, req Request) (*Session, error) {
	cfg, err := m.sessionConfig(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[cfg.ID]; ok {
		select {
		case <-existing.Done():
			delete(m.sessions, cfg.ID)
		default:
			return nil, fmt.Errorf("%s: %w", cfg.ID, ErrAlreadyRunning)
		}
	}

	// Every start writes into a fresh run directory so a reused id never
	// picks up segments or transcripts from an earlier run.
	if cfg.Dir, err = store.NewRunDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("create session %s: %w", cfg.ID, err)
	}

	s, err := New(cfg, m.deps(cfg))
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", cfg.ID, err)
	}
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start session %s: %w", cfg.ID, err)
	}
	m.sessions[cfg.ID] = s
	m.logger.Info("session registered", "session_id", cfg.ID, "source", cfg.Source)
	return s, nil
}

func (m *Manager) sessionConfig(req Request) (Config, error) {
	c := m.opts.Config

	source := strings.TrimSpace(req.Source)
	if source == "" {
		return Config{}, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if !validID.MatchString(id) {
		return Config{}, fmt.Errorf("%w: session id %q", ErrInvalidRequest, id)
	}

	sourceLang := c.Session.SourceLanguage
	if req.SourceLanguage != "" {
		var err error
		if sourceLang, err = variant.CanonicalLanguage(req.SourceLanguage); err != nil {
			return Config{}, fmt.Errorf("%w: source_language: %w", ErrInvalidRequest, err)
		}
	}

	langs := c.Session.TargetLanguages
	if len(req.Languages) > 0 {
		var err error
		if langs, err = config.NormalizeLanguages(req.Languages); err != nil {
			return Config{}, fmt.Errorf("%w: languages: %w", ErrInvalidRequest, err)
		}
	}

	return Config{
		ID:              id,
		Source:          source,
		Dir:             filepath.Join(c.Session.OutputDir, id),
		SegmentDuration: c.Session.SegmentDuration.D(),
		SourceLanguage:  sourceLang,
		TargetLanguages: langs,
		WorkerPoolSize:  c.Session.WorkerPoolSize,
		Transcoder: transcode.Config{
			Binary:          c.Transcoder.FFmpegBinary,
			AudioSampleRate: c.Transcoder.AudioSampleRate,
			InputArgs:       c.Transcoder.VideoArgs,
			StopGrace:       c.Transcoder.StopGrace.D(),
		},
		PollInterval:           c.Watch.PollInterval.D(),
		TranscriptPollInterval: c.Watch.TranscriptPollInterval.D(),
		SettleInterval:         c.Watch.SettleInterval.D(),
		RetryInterval:          c.Watch.RetryInterval.D(),
		VideoStability:         c.Watch.VideoStability,
		AudioStability:         c.Watch.AudioStability,
		Transcribe: transcribe.Config{
			Retries:      c.STT.Retries,
			SentinelText: c.STT.SentinelText,
		},
		MinUnitChars:         c.Subtitles.MinUnitChars,
		LengthSplitLanguages: c.Subtitles.LengthSplitLanguages,
	}, nil
}

// deps returns the collaborators for one session, building any the manager
// was not given. Providers are per session because the recognition language is.
func (m *Manager) deps(cfg Config) Deps {
	c := m.opts.Config
	d := Deps{
		Primary:    m.opts.Primary,
		Fallback:   m.opts.Fallback,
		Translator: m.opts.Translator,
		Publisher:  m.opts.Publisher,
		Journal:    m.opts.Journal,
		Logger:     m.opts.Logger,
	}
	spoken := baseLanguage(cfg.SourceLanguage)
	if d.Primary == nil {
		d.Primary = stt.NewOpenAI(stt.OpenAIConfig{
			BaseURL:  c.STT.Primary.BaseURL,
			APIKey:   c.STT.Primary.APIKey,
			Model:    c.STT.Primary.Model,
			Language: spoken,
			Timeout:  c.STT.Primary.Timeout.D(),
		})
	}
	if d.Fallback == nil && c.STT.Fallback.Command != "" {
		d.Fallback = stt.NewCommand(stt.CommandConfig{
			Command:  c.STT.Fallback.Command,
			Args:     c.STT.Fallback.Args,
			Language: spoken,
			Timeout:  c.STT.Primary.Timeout.D(),
		})
	}
	if d.Translator == nil {
		d.Translator = translate.NewClient(translate.Config{
			BaseURL:   c.Translation.BaseURL,
			APIKey:    c.Translation.APIKey,
			Formality: c.Translation.Formality,
			Retries:   c.Translation.Retries,
			Timeout:   c.Translation.Timeout.D(),
		})
	}
	return d
}

func baseLanguage(tag string) string {
	base, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(base)
}

// Get returns a session by id, live or ended.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s, nil
}

// Stop stops a session and waits for it to exit.
func (m *Manager) Stop(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Stop()
	m.logger.Info("session stopped", "session_id", id)
	return nil
}

// List returns the status of every known session, ordered by start time.
func (m *Manager) List() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StopAll stops every session concurrently and waits for all of them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
