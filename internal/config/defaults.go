package config

const (
	defaultImportRoot        = "~/capstan/import"
	defaultLibraryDir        = "~/capstan/library"
	defaultLogDir            = "~/.local/share/capstan/logs"
	defaultWorkDir           = "~/.cache/capstan"
	defaultLogRetentionDays  = 60
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultContainer         = "avi"
	defaultPreviewFPS        = 10
	defaultStopGraceSeconds  = 10
	defaultKillGraceSeconds  = 3
	defaultSettleSeconds     = 2
	defaultSceneThreshold    = 0.3
	defaultOverlaySeconds    = 4
	defaultHeartbeatInterval = 15
	defaultHeartbeatTimeout  = 120
	defaultNotifyTimeout     = 10
	defaultUpscaleProfile    = "ai-2x"
	defaultESRGANModel       = "RealESRGAN_x4plus"
)

// Default returns a Config populated with repository defaults. The
// upscale catalog mirrors the profiles tapes are usually processed
// with: a slower 2x archive pass, three 4K variants, and a fast
// ffmpeg-only fallback for machines without a GPU.
func Default() Config {
	return Config{
		Paths: Paths{
			ImportRoot: defaultImportRoot,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
			WorkDir:    defaultWorkDir,
		},
		Device: Device{
			AutoTransport: true,
			SettleSeconds: defaultSettleSeconds,
		},
		Capture: Capture{
			Container:        defaultContainer,
			Audio:            true,
			PreviewFPS:       defaultPreviewFPS,
			StopGraceSeconds: defaultStopGraceSeconds,
			KillGraceSeconds: defaultKillGraceSeconds,
		},
		Merging: Merging{
			Overlays:       true,
			SceneThreshold: defaultSceneThreshold,
			OverlaySeconds: defaultOverlaySeconds,
		},
		Upscaling: Upscaling{
			DefaultProfile: defaultUpscaleProfile,
			Profiles: map[string]UpscaleProfile{
				"ai-2x": {
					Backend: BackendAI,
					Scale:   2,
					Model:   defaultESRGANModel,
					CRF:     18,
					Preset:  "slow",
					Tune:    "film",
				},
				"ai-4k-hq": {
					Backend: BackendAI,
					Scale:   4,
					Model:   defaultESRGANModel,
					CRF:     17,
					Preset:  "veryfast",
					Tune:    "film",
				},
				"ai-4k": {
					Backend: BackendAI,
					Scale:   4,
					Model:   defaultESRGANModel,
					CRF:     18,
					Preset:  "veryfast",
					Tune:    "film",
				},
				"ai-4k-fast": {
					Backend: BackendAI,
					Scale:   4,
					Model:   defaultESRGANModel,
					CRF:     20,
					Preset:  "veryfast",
					Tune:    "film",
				},
				"ffmpeg-4k": {
					Backend: BackendDeterministic,
					Scale:   4,
					CRF:     20,
					Preset:  "veryfast",
					Tune:    "film",
				},
			},
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Capture:        true,
			Merging:        true,
			Upscaling:      true,
			Export:         true,
			Errors:         true,
		},
		Workflow: Workflow{
			QueuePollInterval:  5,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			AutoMerge:          true,
			AutoUpscale:        true,
			AutoExport:         false,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
