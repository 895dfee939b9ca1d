package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ImportRoot string `toml:"import_root"`
	LibraryDir string `toml:"library_dir"`
	LogDir     string `toml:"log_dir"`
	WorkDir    string `toml:"work_dir"`
}

// Tools names the external binaries the pipeline drives.
type Tools struct {
	FFmpeg    string `toml:"ffmpeg"`
	FFprobe   string `toml:"ffprobe"`
	Capture   string `toml:"capture"`
	Transport string `toml:"transport"`
	Upscaler  string `toml:"upscaler"`
}

// Device contains tape deck configuration.
type Device struct {
	// Node pins capture to an explicit device node (e.g. /dev/fw0).
	// When empty the controller detects one.
	Node          string `toml:"node"`
	AutoTransport bool   `toml:"auto_transport"`
	SettleSeconds int    `toml:"settle_seconds"`
}

// Capture contains capture session configuration.
type Capture struct {
	Container        string `toml:"container"`
	Audio            bool   `toml:"audio"`
	PreviewFPS       int    `toml:"preview_fps"`
	StopGraceSeconds int    `toml:"stop_grace_seconds"`
	KillGraceSeconds int    `toml:"kill_grace_seconds"`
}

// Merging contains part assembly configuration.
type Merging struct {
	Overlays       bool    `toml:"overlays"`
	SceneThreshold float64 `toml:"scene_threshold"`
	OverlaySeconds int     `toml:"overlay_seconds"`
}

// UpscaleProfile is one named upscale variant. Backend selects the
// pipeline: "deterministic" is a single ffmpeg pass, "ai" runs the
// Real-ESRGAN stage first.
type UpscaleProfile struct {
	Backend string `toml:"backend"`
	Scale   int    `toml:"scale"`
	Model   string `toml:"model"`
	CRF     int    `toml:"crf"`
	Preset  string `toml:"preset"`
	Tune    string `toml:"tune"`
}

// Upscaling contains the upscale profile catalog.
type Upscaling struct {
	DefaultProfile string                    `toml:"default_profile"`
	Profiles       map[string]UpscaleProfile `toml:"profiles"`
}

// Library contains configuration for the export library.
type Library struct {
	OverwriteExisting bool `toml:"overwrite_existing"`
}

// Plex contains configuration for Plex library refresh after export.
type Plex struct {
	Enabled   bool   `toml:"enabled"`
	URL       string `toml:"url"`
	Token     string `toml:"token"`
	SectionID string `toml:"section_id"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Capture        bool   `toml:"capture"`
	Merging        bool   `toml:"merging"`
	Upscaling      bool   `toml:"upscaling"`
	Export         bool   `toml:"export"`
	Errors         bool   `toml:"errors"`
}

// Workflow contains daemon timing and pipeline chaining configuration.
type Workflow struct {
	QueuePollInterval  int  `toml:"queue_poll_interval"`
	ErrorRetryInterval int  `toml:"error_retry_interval"`
	HeartbeatInterval  int  `toml:"heartbeat_interval"`
	HeartbeatTimeout   int  `toml:"heartbeat_timeout"`
	AutoMerge          bool `toml:"auto_merge"`
	AutoUpscale        bool `toml:"auto_upscale"`
	AutoExport         bool `toml:"auto_export"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for Capstan.
//
// Configuration sections by subsystem:
//   - Paths: import root, library, logs, scratch space
//   - Tools: external binaries (capture, transport, ffmpeg, upscaler)
//   - Device: tape deck node and auto transport behaviour
//   - Capture: container, audio, preview stream, stop escalation
//   - Merging: part assembly and timestamp overlays
//   - Upscaling: named upscale profiles
//   - Library / Plex: export target and library refresh
//   - Notifications: ntfy push notification settings
//   - Workflow: polling intervals and auto-chain toggles
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Tools         Tools         `toml:"tools"`
	Device        Device        `toml:"device"`
	Capture       Capture       `toml:"capture"`
	Merging       Merging       `toml:"merging"`
	Upscaling     Upscaling     `toml:"upscaling"`
	Library       Library       `toml:"library"`
	Plex          Plex          `toml:"plex"`
	Notifications Notifications `toml:"notifications"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/capstan/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/capstan/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("capstan.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// LibraryDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ImportRoot, c.Paths.LogDir, c.Paths.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		// Best-effort to avoid failing config load when storage is offline.
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable used for merge/encode passes.
func (c *Config) FFmpegBinary() string {
	if v := strings.TrimSpace(c.Tools.FFmpeg); v != "" {
		return v
	}
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable used for media inspection.
func (c *Config) FFprobeBinary() string {
	if v := strings.TrimSpace(c.Tools.FFprobe); v != "" {
		return v
	}
	return "ffprobe"
}

// CaptureBinary returns the DV capture executable.
func (c *Config) CaptureBinary() string {
	if v := strings.TrimSpace(c.Tools.Capture); v != "" {
		return v
	}
	return "dvgrab"
}

// TransportBinary returns the AV/C transport control executable.
func (c *Config) TransportBinary() string {
	if v := strings.TrimSpace(c.Tools.Transport); v != "" {
		return v
	}
	return "dvcont"
}

// UpscalerBinary returns the Real-ESRGAN video executable, empty when unset.
func (c *Config) UpscalerBinary() string {
	return strings.TrimSpace(c.Tools.Upscaler)
}

// Profile resolves a named upscale profile, falling back to the default
// profile for an empty name.
func (c *Config) Profile(name string) (UpscaleProfile, string, error) {
	resolved := strings.TrimSpace(name)
	if resolved == "" {
		resolved = c.Upscaling.DefaultProfile
	}
	profile, ok := c.Upscaling.Profiles[resolved]
	if !ok {
		return UpscaleProfile{}, resolved, fmt.Errorf("unknown upscale profile %q", resolved)
	}
	return profile, resolved, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
