// Package upscaling turns a merged movie into the final high
// resolution cut. Deterministic profiles run a single ffmpeg lanczos
// pass; ai profiles run Real-ESRGAN at 2x first and lanczos-scale the
// rest of the way when the target is 4x. Progress from either tool is
// folded into the pipeline's 25-90 window and never moves backwards.
package upscaling
