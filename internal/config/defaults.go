package config

import "time"

const (
	defaultOutputDir              = "~/.local/share/livecaption/sessions"
	defaultSegmentDuration        = 10 * time.Second
	defaultSourceLanguage         = "en"
	defaultFFmpegBinary           = "ffmpeg"
	defaultAudioSampleRate        = 16000
	defaultStopGrace              = 5 * time.Second
	defaultPollInterval           = time.Second
	defaultTranscriptPollInterval = 500 * time.Millisecond
	defaultSettleInterval         = 6 * time.Second
	defaultRetryInterval          = 2 * time.Second
	defaultVideoStability         = "rename"
	defaultAudioStability         = "successor"
	defaultSTTRetries             = 3
	defaultSentinelText           = "[no speech recognized]"
	defaultSTTBaseURL             = "https://api.openai.com/v1"
	defaultSTTModel               = "whisper-1"
	defaultSTTTimeout             = 60 * time.Second
	defaultTranslationBaseURL     = "https://api.xl8.ai/v1"
	defaultTranslationRetries     = 3
	defaultTranslationTimeout     = 30 * time.Second
	defaultMinUnitChars           = 10
	defaultServerBind             = "127.0.0.1:8080"
	defaultRaftBind               = "127.0.0.1:7000"
	defaultJournalPath            = "~/.local/share/livecaption/journal.db"
	defaultLogFormat              = "auto"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Session: Session{
			OutputDir:       defaultOutputDir,
			SegmentDuration: Duration(defaultSegmentDuration),
			SourceLanguage:  defaultSourceLanguage,
		},
		Transcoder: Transcoder{
			FFmpegBinary:    defaultFFmpegBinary,
			AudioSampleRate: defaultAudioSampleRate,
			StopGrace:       Duration(defaultStopGrace),
		},
		Watch: Watch{
			PollInterval:           Duration(defaultPollInterval),
			TranscriptPollInterval: Duration(defaultTranscriptPollInterval),
			SettleInterval:         Duration(defaultSettleInterval),
			RetryInterval:          Duration(defaultRetryInterval),
			VideoStability:         defaultVideoStability,
			AudioStability:         defaultAudioStability,
		},
		STT: STT{
			Retries:      defaultSTTRetries,
			SentinelText: defaultSentinelText,
			Primary: STTPrimary{
				BaseURL: defaultSTTBaseURL,
				Model:   defaultSTTModel,
				Timeout: Duration(defaultSTTTimeout),
			},
		},
		Translation: Translation{
			BaseURL: defaultTranslationBaseURL,
			Retries: defaultTranslationRetries,
			Timeout: Duration(defaultTranslationTimeout),
		},
		Subtitles: Subtitles{
			MinUnitChars:         defaultMinUnitChars,
			LengthSplitLanguages: []string{"th"},
		},
		Server: Server{
			Bind: defaultServerBind,
		},
		Cluster: Cluster{
			Bind: defaultRaftBind,
		},
		Journal: Journal{
			Path: defaultJournalPath,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
