// Package esrgan wraps the Real-ESRGAN video upscaler used for the
// ai-assisted 2x stage of the upscale pipeline.
package esrgan
