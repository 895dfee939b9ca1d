package preflight

import (
	"context"

	"capstan/internal/config"
	"capstan/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the filesystem and service checks for the given config.
// Tool availability is reported separately by CheckTools.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Import root", cfg.Paths.ImportRoot))
	if cfg.Paths.LibraryDir != "" {
		results = append(results, CheckDirectoryAccess("Library directory", cfg.Paths.LibraryDir))
	}
	results = append(results, CheckFreeSpace("Import filesystem", cfg.Paths.ImportRoot, minImportFreeBytes))

	if cfg.Plex.Enabled {
		results = append(results, CheckPlex(ctx, cfg.Plex.URL, cfg.Plex.Token))
	}

	return results
}

// CheckTools evaluates the external tool requirements for the given config.
// The daemon and the CLI status command both use this so the requirements
// list lives in one place.
func CheckTools(cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "Capture tool",
			Command:     cfg.CaptureBinary(),
			Description: "Records the DV stream from the deck",
		},
		{
			Name:        "Transport control",
			Command:     cfg.TransportBinary(),
			Description: "Drives the deck transport over AV/C",
			Optional:    !cfg.Device.AutoTransport,
		},
		{
			Name:        "FFmpeg",
			Command:     cfg.FFmpegBinary(),
			Description: "Required for merging and scaling",
		},
		{
			Name:        "FFprobe",
			Command:     cfg.FFprobeBinary(),
			Description: "Required for media inspection",
		},
		{
			Name:        "Upscaler",
			Command:     cfg.UpscalerBinary(),
			Description: "Runs AI upscale passes",
			Optional:    !requiresUpscaler(cfg),
		},
	}
	return deps.CheckBinaries(requirements)
}

// requiresUpscaler reports whether unattended jobs will reach for the AI
// tool. Only the default profile matters here: ai profiles selected by hand
// fail at run time with a clear configuration error instead.
func requiresUpscaler(cfg *config.Config) bool {
	profile, _, err := cfg.Profile("")
	if err != nil {
		return false
	}
	return profile.Backend == config.BackendAI
}
