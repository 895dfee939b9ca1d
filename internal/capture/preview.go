package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"capstan/internal/logging"
	"capstan/internal/media/mjpeg"
	"capstan/internal/proc"
)

const (
	previewStartTimeout = 10 * time.Second
	previewPollInterval = 200 * time.Millisecond
	previewStopTimeout  = 5 * time.Second
)

// startPreview brings up the MJPEG side channel once the capture tool has
// written data. Everything here is best-effort: the recording is never
// aborted over a missing preview.
func (s *Session) startPreview() {
	file, ok := s.waitForOutput()
	if !ok {
		logging.WarnWithContext(s.logger, "no capture output appeared; preview disabled", "preview_unavailable",
			logging.String(logging.FieldProject, s.project),
			logging.String(logging.FieldImpact, "recording continues without preview"),
		)
		return
	}

	fps := s.cfg.Capture.PreviewFPS
	spec := proc.Spec{
		Binary: s.cfg.FFmpegBinary(),
		Args: []string{
			"-v", "error",
			"-i", file,
			"-vf", fmt.Sprintf("fps=%d,scale=640:-1", fps),
			"-f", "mjpeg", "-q:v", "5", "-",
		},
		GracefulStdin: "q",
		WantStdout:    true,
	}

	sup, err := proc.Start(s.ctx, spec, s.logger)
	if err != nil {
		logging.WarnWithContext(s.logger, "preview process failed to start", "preview_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "recording continues without preview"),
		)
		return
	}

	demux := mjpeg.NewDemuxer(fps, s.logger)

	s.mu.Lock()
	s.previewProc = sup
	s.demux = demux
	s.mu.Unlock()

	go func() {
		if err := demux.Run(s.ctx, sup.Stdout()); err != nil && s.ctx.Err() == nil {
			s.logger.Debug("preview demuxer ended", logging.Error(err))
		}
	}()
	go s.watchPreview(sup)

	s.logger.Info("preview stream started",
		logging.String("source", filepath.Base(file)),
		logging.Int("fps", fps),
		logging.String(logging.FieldEventType, "capture_preview_started"),
	)
}

// waitForOutput polls for the capture tool's first non-empty output file.
func (s *Session) waitForOutput() (string, bool) {
	deadline := time.Now().Add(previewStartTimeout)
	for time.Now().Before(deadline) {
		matches, _ := filepath.Glob(filepath.Join(s.dirValue(), s.basename+"*"))
		sort.Strings(matches)
		for i := len(matches) - 1; i >= 0; i-- {
			if info, err := os.Stat(matches[i]); err == nil && !info.IsDir() && info.Size() > 0 {
				return matches[i], true
			}
		}

		select {
		case <-s.stopCh:
			return "", false
		case <-s.capture.Done():
			return "", false
		case <-time.After(previewPollInterval):
		}
	}
	return "", false
}

// watchPreview flags a preview that dies while recording continues.
func (s *Session) watchPreview(sup *proc.Supervisor) {
	select {
	case <-sup.Done():
		if s.State() == StateRecording {
			logging.WarnWithContext(s.logger, "preview stream ended early", "preview_lost",
				logging.String(logging.FieldImpact, "recording continues without preview"),
			)
		}
	case <-s.done:
	}
}

func (s *Session) stopPreview() {
	s.mu.Lock()
	sup := s.previewProc
	s.mu.Unlock()

	if sup == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), previewStopTimeout)
	defer cancel()
	if _, err := sup.Stop(stopCtx); err != nil {
		s.logger.Debug("preview stop", logging.Error(err))
	}
}
