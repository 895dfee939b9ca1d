package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTools()
	c.normalizeDevice()
	c.normalizeCapture()
	c.normalizeMerging()
	c.normalizeUpscaling()
	c.normalizePlex()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.ImportRoot, err = expandPath(c.Paths.ImportRoot); err != nil {
		return fmt.Errorf("paths.import_root: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeTools() {
	c.Tools.FFmpeg = strings.TrimSpace(c.Tools.FFmpeg)
	c.Tools.FFprobe = strings.TrimSpace(c.Tools.FFprobe)
	c.Tools.Capture = strings.TrimSpace(c.Tools.Capture)
	c.Tools.Transport = strings.TrimSpace(c.Tools.Transport)
	c.Tools.Upscaler = strings.TrimSpace(c.Tools.Upscaler)
}

func (c *Config) normalizeDevice() {
	c.Device.Node = strings.TrimSpace(c.Device.Node)
	if c.Device.SettleSeconds < 0 {
		c.Device.SettleSeconds = defaultSettleSeconds
	}
}

func (c *Config) normalizeCapture() {
	c.Capture.Container = strings.ToLower(strings.TrimSpace(c.Capture.Container))
	if c.Capture.Container == "" {
		c.Capture.Container = defaultContainer
	}
	if c.Capture.PreviewFPS == 0 {
		c.Capture.PreviewFPS = defaultPreviewFPS
	}
	if c.Capture.StopGraceSeconds == 0 {
		c.Capture.StopGraceSeconds = defaultStopGraceSeconds
	}
	if c.Capture.KillGraceSeconds == 0 {
		c.Capture.KillGraceSeconds = defaultKillGraceSeconds
	}
}

func (c *Config) normalizeMerging() {
	if c.Merging.SceneThreshold == 0 {
		c.Merging.SceneThreshold = defaultSceneThreshold
	}
	if c.Merging.OverlaySeconds == 0 {
		c.Merging.OverlaySeconds = defaultOverlaySeconds
	}
}

func (c *Config) normalizeUpscaling() {
	c.Upscaling.DefaultProfile = strings.TrimSpace(c.Upscaling.DefaultProfile)
	if c.Upscaling.DefaultProfile == "" {
		c.Upscaling.DefaultProfile = defaultUpscaleProfile
	}
	if c.Upscaling.Profiles == nil {
		c.Upscaling.Profiles = Default().Upscaling.Profiles
	}
	for name, profile := range c.Upscaling.Profiles {
		profile.Backend = strings.ToLower(strings.TrimSpace(profile.Backend))
		profile.Preset = strings.TrimSpace(profile.Preset)
		profile.Tune = strings.TrimSpace(profile.Tune)
		profile.Model = strings.TrimSpace(profile.Model)
		if profile.Backend == BackendAI && profile.Model == "" {
			profile.Model = defaultESRGANModel
		}
		if profile.Scale == 0 {
			profile.Scale = 4
		}
		c.Upscaling.Profiles[name] = profile
	}
}

func (c *Config) normalizePlex() {
	c.Plex.URL = strings.TrimRight(strings.TrimSpace(c.Plex.URL), "/")
	c.Plex.Token = strings.TrimSpace(c.Plex.Token)
	if c.Plex.Token == "" {
		if value, ok := os.LookupEnv("PLEX_TOKEN"); ok {
			c.Plex.Token = strings.TrimSpace(value)
		}
	}
	c.Plex.SectionID = strings.TrimSpace(c.Plex.SectionID)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("CAPSTAN_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout == 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
