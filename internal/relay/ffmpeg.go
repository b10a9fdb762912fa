package relay

import (
	"strconv"
	"strings"
)

// TranscodeConfig describes how the transcoder fetches the upstream audio and
// what it emits.
type TranscodeConfig struct {
	FFmpegPath string
	UserAgent  string
	Referer    string
	Channels   int
	SampleRate int
	Bitrate    string
}

func DefaultTranscodeConfig() TranscodeConfig {
	return TranscodeConfig{
		FFmpegPath: "ffmpeg",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Referer:    "https://zingmp3.vn/",
		Channels:   2,
		SampleRate: 44100,
		Bitrate:    "128k",
	}
}

func (c TranscodeConfig) withDefaults() TranscodeConfig {
	defaults := DefaultTranscodeConfig()
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = defaults.FFmpegPath
	}
	if c.Channels <= 0 {
		c.Channels = defaults.Channels
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaults.SampleRate
	}
	if strings.TrimSpace(c.Bitrate) == "" {
		c.Bitrate = defaults.Bitrate
	}
	return c
}

// buildTranscodeArgs returns the ffmpeg argument list that re-encodes input to
// MP3 on stdout. Pure function.
func buildTranscodeArgs(cfg TranscodeConfig, input string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
	}

	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1")
		// The CDN rejects requests that do not look like a browser on the site.
		if cfg.UserAgent != "" {
			args = append(args, "-user_agent", cfg.UserAgent)
		}
		if cfg.Referer != "" {
			args = append(args, "-headers", "Referer: "+cfg.Referer+"\r\n")
		}
	}

	args = append(args,
		"-i", input,
		"-vn",
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-b:a", cfg.Bitrate,
		"-f", "mp3",
		"-",
	)
	return args
}
