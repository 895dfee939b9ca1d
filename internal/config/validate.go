package config

import (
	"errors"
	"fmt"
	"strings"
)

// Upscale profile backends. The tag decides which pipeline runs the
// profile, so it is validated here at load time rather than when a job
// finally reaches the upscaler.
const (
	BackendDeterministic = "deterministic"
	BackendAI            = "ai"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateMerging(); err != nil {
		return err
	}
	if err := c.validateUpscaling(); err != nil {
		return err
	}
	if err := c.validatePlex(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.ImportRoot) == "" {
		return errors.New("paths.import_root must be set")
	}
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		return errors.New("paths.library_dir must be set")
	}
	return nil
}

func (c *Config) validateCapture() error {
	switch c.Capture.Container {
	case "avi", "dv", "mov":
	default:
		return fmt.Errorf("capture.container must be one of avi, dv, mov (got %q)", c.Capture.Container)
	}
	if c.Capture.PreviewFPS < 1 || c.Capture.PreviewFPS > 60 {
		return errors.New("capture.preview_fps must be between 1 and 60")
	}
	if c.Capture.StopGraceSeconds <= 0 {
		return errors.New("capture.stop_grace_seconds must be positive")
	}
	if c.Capture.KillGraceSeconds <= 0 {
		return errors.New("capture.kill_grace_seconds must be positive")
	}
	if c.Device.SettleSeconds < 0 {
		return errors.New("device.settle_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateMerging() error {
	if c.Merging.SceneThreshold <= 0 || c.Merging.SceneThreshold >= 1 {
		return errors.New("merging.scene_threshold must be between 0 and 1 exclusive")
	}
	if c.Merging.OverlaySeconds <= 0 {
		return errors.New("merging.overlay_seconds must be positive")
	}
	return nil
}

func (c *Config) validateUpscaling() error {
	if len(c.Upscaling.Profiles) == 0 {
		return errors.New("upscaling.profiles must define at least one profile")
	}
	for name, profile := range c.Upscaling.Profiles {
		switch profile.Backend {
		case BackendDeterministic, BackendAI:
		default:
			return fmt.Errorf("upscaling.profiles.%s.backend must be %q or %q (got %q)",
				name, BackendDeterministic, BackendAI, profile.Backend)
		}
		if profile.Scale != 2 && profile.Scale != 4 {
			return fmt.Errorf("upscaling.profiles.%s.scale must be 2 or 4", name)
		}
		if profile.CRF < 0 || profile.CRF > 51 {
			return fmt.Errorf("upscaling.profiles.%s.crf must be between 0 and 51", name)
		}
		if profile.Backend == BackendAI && strings.TrimSpace(profile.Model) == "" {
			return fmt.Errorf("upscaling.profiles.%s.model must be set for the ai backend", name)
		}
	}
	if _, ok := c.Upscaling.Profiles[c.Upscaling.DefaultProfile]; !ok {
		return fmt.Errorf("upscaling.default_profile %q is not a defined profile", c.Upscaling.DefaultProfile)
	}
	return nil
}

func (c *Config) validatePlex() error {
	if !c.Plex.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Plex.URL) == "" {
		return errors.New("plex.url must be set when plex.enabled is true")
	}
	if strings.TrimSpace(c.Plex.Token) == "" {
		return errors.New("plex.token must be set when plex.enabled is true")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"notifications.request_timeout": c.Notifications.RequestTimeout,
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
