// Package session owns the lifecycle of streaming sessions. A Session wires
// one source through the transcoders, watchers and stages into a directory of
// live manifests; a Manager runs many isolated sessions side by side.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/playlist"
	"github.com/agleyzer/livecaption/internal/segment"
	"github.com/agleyzer/livecaption/internal/stability"
	"github.com/agleyzer/livecaption/internal/store"
	"github.com/agleyzer/livecaption/internal/stt"
	"github.com/agleyzer/livecaption/internal/subtitle"
	"github.com/agleyzer/livecaption/internal/transcode"
	"github.com/agleyzer/livecaption/internal/transcribe"
	"github.com/agleyzer/livecaption/internal/translate"
	"github.com/agleyzer/livecaption/internal/variant"
	"github.com/agleyzer/livecaption/internal/watch"
	"github.com/agleyzer/livecaption/internal/workerpool"
)

// DefaultAudioQueue bounds the audio segments waiting for transcription.
const DefaultAudioQueue = 8

// State is a session's lifecycle position.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Config is everything one session needs to run.
type Config struct {
	ID              string
	Source          string
	Dir             string
	SegmentDuration time.Duration
	SourceLanguage  string
	TargetLanguages []string
	WorkerPoolSize  int
	AudioQueue      int

	Transcoder transcode.Config

	PollInterval           time.Duration
	TranscriptPollInterval time.Duration
	SettleInterval         time.Duration
	RetryInterval          time.Duration
	VideoStability         string
	AudioStability         string

	Transcribe transcribe.Config

	MinUnitChars         int
	LengthSplitLanguages []string
}

// Deps are the collaborators a session calls out to.
type Deps struct {
	Primary    stt.Provider
	Fallback   stt.Provider
	Translator translate.Translator
	// Publisher receives every manifest in addition to the session directory,
	// namespaced by session id. Optional.
	Publisher playlist.Publisher
	Journal   journal.Recorder
	Logger    *slog.Logger
}

// TranscoderStatus is the status of one transcoder.
type TranscoderStatus = transcode.Status

// Status is a snapshot of a session.
type Status struct {
	ID              string             `json:"id"`
	Source          string             `json:"source"`
	Dir             string             `json:"dir"`
	SourceLanguage  string             `json:"source_language"`
	TargetLanguages []string           `json:"target_languages"`
	State           State              `json:"state"`
	Error           string             `json:"error,omitempty"`
	Degraded        string             `json:"degraded,omitempty"`
	StartedAt       time.Time          `json:"started_at,omitempty"`
	EndedAt         time.Time          `json:"ended_at,omitempty"`
	Transcoders     []TranscoderStatus `json:"transcoders"`
	Counts          Counts             `json:"counts"`
	Manifests       map[string]any     `json:"manifests"`
}

// Counts tallies the artifacts a session has handled.
type Counts struct {
	VideoSegments int64            `json:"video_segments"`
	AudioSegments int64            `json:"audio_segments"`
	Transcripts   int64            `json:"transcripts"`
	Sentinels     int64            `json:"sentinels"`
	Cues          map[string]int64 `json:"cues"`
}

// Session is one ingestion run. It owns its store, worker pool and cancellation.
type Session struct {
	cfg       Config
	logger    *slog.Logger
	journal   journal.Recorder
	store     *store.Store
	builder   *playlist.Builder
	publisher playlist.Publisher

	pool         *workerpool.Pool
	video        *transcode.Supervisor
	audio        *transcode.Supervisor
	videoWatcher *watch.Watcher
	audioWatcher *watch.Watcher
	stage        *transcribe.Stage
	audioQueue   chan segment.Segment
	transcripts  map[string]*watch.Watcher

	transcribed atomic.Int64
	sentinels   atomic.Int64
	cues        map[string]*atomic.Int64

	mu        sync.Mutex
	state     State
	err       error
	degraded  string
	startedAt time.Time
	endedAt   time.Time
	stopping  bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New validates cfg, opens the session directory and writes the master
// manifest. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session id is required")
	}
	if cfg.Source == "" {
		return nil, errors.New("source is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("session directory is required")
	}
	if deps.Primary == nil {
		return nil, errors.New("primary stt provider is required")
	}
	if deps.Translator == nil && len(cfg.TargetLanguages) > 0 {
		return nil, errors.New("translator is required when target languages are set")
	}
	if cfg.AudioQueue <= 0 {
		cfg.AudioQueue = DefaultAudioQueue
	}
	cfg.Transcoder.SegmentDuration = cfg.SegmentDuration

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.ID)
	rec := deps.Journal
	if rec == nil {
		rec = journal.Discard
	}

	builder, err := playlist.NewBuilder(cfg.SegmentDuration, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Dir, cfg.TargetLanguages)
	if err != nil {
		return nil, err
	}

	publishers := playlist.Publishers{playlist.DirPublisher{Root: st.Root()}}
	if deps.Publisher != nil {
		publishers = append(publishers, playlist.Prefixed(cfg.ID, deps.Publisher))
	}

	s := &Session{
		cfg:         cfg,
		logger:      logger.With("component", "session"),
		journal:     rec,
		store:       st,
		builder:     builder,
		publisher:   publishers,
		pool:        workerpool.New(cfg.WorkerPoolSize, logger),
		audioQueue:  make(chan segment.Segment, cfg.AudioQueue),
		transcripts: make(map[string]*watch.Watcher),
		cues:        make(map[string]*atomic.Int64),
		state:       StatePending,
		done:        make(chan struct{}),
	}

	if err := s.wire(deps, logger); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := s.publishMaster(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) wire(deps Deps, logger *slog.Logger) error {
	cfg := s.cfg

	s.video = transcode.NewSupervisor(transcode.VideoJob(cfg.Transcoder, cfg.Source, s.store), cfg.Transcoder.StopGrace, logger)
	s.audio = transcode.NewSupervisor(transcode.AudioJob(cfg.Transcoder, cfg.Source, s.store), cfg.Transcoder.StopGrace, logger)

	videoDetector, err := stability.New(cfg.VideoStability, cfg.SettleInterval, cfg.RetryInterval, segment.VideoPattern)
	if err != nil {
		return fmt.Errorf("video watcher: %w", err)
	}
	s.videoWatcher, err = watch.New(watch.Config{
		Name:     "video",
		Dir:      s.store.Dir(segment.KindVideo),
		Pattern:  segment.VideoPattern,
		Kind:     segment.KindVideo,
		Detector: videoDetector,
		Interval: cfg.PollInterval,
	}, nil, s.rebuildVideo, logger)
	if err != nil {
		return err
	}

	audioDetector, err := stability.New(cfg.AudioStability, cfg.SettleInterval, cfg.RetryInterval, segment.AudioPattern)
	if err != nil {
		return fmt.Errorf("audio watcher: %w", err)
	}
	s.audioWatcher, err = watch.New(watch.Config{
		Name:     "audio",
		Dir:      s.store.Dir(segment.KindAudio),
		Pattern:  segment.AudioPattern,
		Kind:     segment.KindAudio,
		Detector: audioDetector,
		Interval: cfg.PollInterval,
	}, watch.Forward(s.audioQueue), nil, logger)
	if err != nil {
		return err
	}

	s.stage, err = transcribe.New(cfg.Transcribe, deps.Primary, deps.Fallback, s.store.Dir(segment.KindTranscript), logger)
	if err != nil {
		return err
	}
	s.stage.OnWrite(s.recordTranscript)

	splitter := subtitle.NewSplitter(cfg.MinUnitChars, cfg.LengthSplitLanguages)
	for _, lang := range cfg.TargetLanguages {
		branch, err := subtitle.NewBranch(subtitle.BranchConfig{
			Language:        lang,
			SourceLanguage:  cfg.SourceLanguage,
			SegmentDuration: cfg.SegmentDuration,
			Dir:             s.store.CueDir(lang),
		}, deps.Translator, splitter, logger)
		if err != nil {
			return err
		}
		branch.OnCue(s.rebuildSubtitles)

		wake := make(chan struct{}, 1)
		s.stage.Notify(wake)
		w, err := watch.New(watch.Config{
			Name:     "transcript/" + lang,
			Dir:      s.store.Dir(segment.KindTranscript),
			Pattern:  segment.TranscriptPattern,
			Kind:     segment.KindTranscript,
			Detector: stability.RenameDetector{},
			Interval: cfg.TranscriptPollInterval,
			Wake:     wake,
		}, branch.Handle, nil, logger)
		if err != nil {
			return err
		}
		s.transcripts[lang] = w
		s.cues[lang] = new(atomic.Int64)
	}

	s.pool.Go("transcoder/video", s.video.Run)
	s.pool.Go("transcoder/audio", s.audio.Run)
	s.pool.Go("watcher/video", s.videoWatcher.Run)
	s.pool.Go("watcher/audio", s.audioWatcher.Run)
	s.pool.Go("transcribe", func(ctx context.Context) error {
		return s.stage.Run(ctx, s.audioQueue)
	})
	for _, lang := range cfg.TargetLanguages {
		s.pool.Go("watcher/transcript/"+lang, s.transcripts[lang].Run)
	}
	return nil
}

// publishMaster writes the master manifest once, declaring every configured
// subtitle language up front.
func (s *Session) publishMaster() error {
	subs := make([]variant.Subtitle, 0, len(s.cfg.TargetLanguages))
	for _, lang := range s.cfg.TargetLanguages {
		sub, err := variant.NewSubtitle(lang, path.Join("subtitles", lang+".m3u8"))
		if err != nil {
			return fmt.Errorf("subtitle rendition: %w", err)
		}
		subs = append(subs, sub)
	}
	v := variant.Variant{
		Bandwidth:      variant.DefaultBandwidth,
		PlaylistURL:    store.VideoManifest,
		SubtitlesGroup: variant.DefaultSubtitleGroup,
	}
	if err := s.publisher.Publish(store.MasterManifest, s.builder.Master(v, subs)); err != nil {
		return fmt.Errorf("publish master manifest: %w", err)
	}
	return nil
}

// Start launches the session's loops. The session runs until Stop, ctx
// cancellation, or a video transcoder failure.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.cfg.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.pool.Start(runCtx, s.taskExited); err != nil {
		cancel()
		s.finish(StateFailed, err)
		close(s.done)
		_ = s.store.Close()
		return err
	}

	s.record(journal.Event{Kind: journal.KindSessionStarted, Index: journal.NoIndex, Detail: s.cfg.Source})
	s.logger.Info("session started",
		"source", s.cfg.Source,
		"dir", s.store.Root(),
		"languages", s.cfg.TargetLanguages,
		"workers", s.pool.Size(),
	)

	go func() {
		s.pool.Wait()
		cancel()
		s.finish(StateStopped, nil)
		if err := s.store.Close(); err != nil {
			s.logger.Warn("failed to release session directory", "error", err)
		}

		st := s.Status()
		kind := journal.KindSessionStopped
		if st.State == StateFailed {
			kind = journal.KindSessionFailed
		}
		s.record(journal.Event{Kind: kind, Index: journal.NoIndex, Detail: st.Error})
		s.logger.Info("session ended", "state", st.State, "error", st.Error)
		close(s.done)
	}()
	return nil
}

// taskExited handles a loop returning. Only the video transcoder can end the
// session: without video segments there is nothing to serve. A failed audio
// transcoder only marks the session degraded. The two transcoders are not
// cross-fatal, and lost subtitles must never take the video stream down.
func (s *Session) taskExited(res workerpool.Result) {
	switch res.Name {
	case "transcoder/video", "transcoder/audio":
	default:
		if res.Err != nil {
			s.logger.Error("pipeline loop failed", "task", res.Name, "error", res.Err)
		}
		return
	}

	status := s.audio.Status()
	if res.Name == "transcoder/video" {
		status = s.video.Status()
	}
	s.record(journal.Event{
		Kind:   journal.KindTranscoderExit,
		Index:  journal.NoIndex,
		Detail: fmt.Sprintf("%s %s %s", status.Kind, status.State, status.Error),
	})

	if res.Err == nil {
		return
	}
	if res.Name == "transcoder/video" {
		s.fail(res.Err)
		return
	}

	s.mu.Lock()
	s.degraded = "audio transcoder failed, subtitles stopped: " + res.Err.Error()
	s.mu.Unlock()
	s.record(journal.Event{Kind: journal.KindDegraded, Index: journal.NoIndex, Detail: res.Err.Error()})
	s.logger.Warn("subtitles degraded, video continues", "error", res.Err)
}

// fail ends the session as failed. Errors that surface after Stop has been
// requested are the loops unwinding and are only logged.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.logger.Debug("ignoring error during stop", "error", err)
		return
	}
	if s.state == StateRunning {
		s.state = StateFailed
		s.err = err
	}
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Error("session failed", "error", err)
	if cancel != nil {
		cancel()
	}
}

func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning || s.state == StatePending {
		s.state = state
		s.err = err
	}
	s.endedAt = time.Now()
}

// Stop cancels the session and waits for every loop and transcoder to exit.
// Artifacts are left in place.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateStopped
		s.endedAt = time.Now()
		s.mu.Unlock()
		_ = s.store.Close()
		close(s.done)
		return
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// Dir returns the session directory.
func (s *Session) Dir() string { return s.store.Root() }

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:              s.cfg.ID,
		Source:          s.cfg.Source,
		Dir:             s.store.Root(),
		SourceLanguage:  s.cfg.SourceLanguage,
		TargetLanguages: append([]string(nil), s.cfg.TargetLanguages...),
		State:           s.state,
		Degraded:        s.degraded,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	s.mu.Unlock()

	st.Transcoders = []TranscoderStatus{s.video.Status(), s.audio.Status()}
	st.Counts = Counts{
		VideoSegments: s.videoWatcher.Dispatched(),
		AudioSegments: s.audioWatcher.Dispatched(),
		Transcripts:   s.transcribed.Load(),
		Sentinels:     s.sentinels.Load(),
		Cues:          make(map[string]int64, len(s.cues)),
	}
	for lang, n := range s.cues {
		st.Counts.Cues[lang] = n.Load()
	}
	st.Manifests = s.builder.GetStats()
	return st
}

// rebuildVideo runs on the video watcher goroutine after every change.
func (s *Session) rebuildVideo(ctx context.Context, known []segment.Segment) {
	body, err := s.builder.Video(known)
	if err != nil {
		if errors.Is(err, playlist.ErrNoSegments) {
			s.logger.Debug("no video segments yet")
			return
		}
		s.logger.Warn("video manifest rebuild failed", "error", err)
		return
	}
	if err := s.publisher.Publish(store.VideoManifest, body); err != nil {
		s.logger.Warn("failed to publish video manifest", "error", err)
		return
	}
	s.record(journal.Event{
		Kind:   journal.KindManifestPublished,
		Index:  known[len(known)-1].Index,
		Detail: store.VideoManifest,
	})
}

// rebuildSubtitles runs on the language's transcript watcher goroutine after
// a cue file is written.
func (s *Session) rebuildSubtitles(ctx context.Context, res subtitle.Result) {
	lang := res.Language
	if n, ok := s.cues[lang]; ok {
		n.Add(1)
	}
	s.record(journal.Event{Kind: journal.KindCue, Index: res.Index, Language: lang, Detail: fmt.Sprintf("%d cues", len(res.Cues))})

	segs, err := store.List(s.store.CueDir(lang), segment.CuePattern, segment.KindCue)
	if err != nil {
		s.logger.Warn("failed to list cue files", "language", lang, "error", err)
		return
	}
	body, err := s.builder.Subtitles(lang, segs)
	if err != nil {
		if !errors.Is(err, playlist.ErrNoSegments) {
			s.logger.Warn("subtitle manifest rebuild failed", "language", lang, "error", err)
		}
		return
	}
	name := s.store.Rel(s.store.SubtitleManifestPath(lang))
	if err := s.publisher.Publish(name, body); err != nil {
		s.logger.Warn("failed to publish subtitle manifest", "language", lang, "error", err)
		return
	}

	track, err := subtitle.Track(segs)
	if err != nil {
		s.logger.Warn("failed to build subtitle track", "language", lang, "error", err)
		return
	}
	if err := s.publisher.Publish(s.store.Rel(s.store.SubtitleTrackPath(lang)), string(track)); err != nil {
		s.logger.Warn("failed to publish subtitle track", "language", lang, "error", err)
	}
}

func (s *Session) recordTranscript(u transcribe.Unit) {
	s.transcribed.Add(1)
	kind := journal.KindTranscript
	if u.Sentinel {
		s.sentinels.Add(1)
		kind = journal.KindSentinel
	}
	s.record(journal.Event{Kind: kind, Index: u.Index, Detail: fmt.Sprint(u.Providers)})
}

func (s *Session) record(ev journal.Event) {
	ev.SessionID = s.cfg.ID
	if err := s.journal.Record(context.Background(), ev); err != nil {
		s.logger.Warn("failed to journal event", "kind", ev.Kind, "error", err)
	}
}
