package merging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/media/ffprobe"
	"capstan/internal/services"
)

type fakeTools struct {
	concatErr  error
	encodeErr  error
	scenes     []float64
	scenesErr  error
	overlayErr error

	concatCalls  [][]string
	encodeCalls  [][]string
	scenesInput  string
	overlayCalls int
	overlayOut   string
	filter       string
}

func (f *fakeTools) Concat(ctx context.Context, parts []string, output string) error {
	f.concatCalls = append(f.concatCalls, append([]string(nil), parts...))
	if f.concatErr != nil {
		return f.concatErr
	}
	return os.WriteFile(output, []byte("copy-merged"), 0o644)
}

func (f *fakeTools) ConcatEncode(ctx context.Context, parts []string, output string) error {
	f.encodeCalls = append(f.encodeCalls, append([]string(nil), parts...))
	if f.encodeErr != nil {
		return f.encodeErr
	}
	return os.WriteFile(output, []byte("encode-merged"), 0o644)
}

func (f *fakeTools) DetectScenes(ctx context.Context, input string, threshold float64) ([]float64, error) {
	f.scenesInput = input
	if f.scenesErr != nil {
		return nil, f.scenesErr
	}
	return f.scenes, nil
}

func (f *fakeTools) Overlay(ctx context.Context, input, output, filter string) error {
	f.overlayCalls++
	f.overlayOut = output
	f.filter = filter
	if f.overlayErr != nil {
		return f.overlayErr
	}
	return os.WriteFile(output, []byte("stamped"), 0o644)
}

func stubInspectors(t *testing.T, timecodes, metadata map[string]time.Time, broken map[string]bool) {
	t.Helper()
	origRecorded := recordedAt
	origInspect := inspectMedia
	recordedAt = func(path string, limit int64) (time.Time, bool, error) {
		if ts, ok := timecodes[filepath.Base(path)]; ok {
			return ts, true, nil
		}
		return time.Time{}, false, nil
	}
	inspectMedia = func(ctx context.Context, binary, path string) (ffprobe.Result, error) {
		name := filepath.Base(path)
		if broken[name] {
			return ffprobe.Result{}, errors.New("moov atom not found")
		}
		if ts, ok := metadata[name]; ok {
			return ffprobe.Result{Format: ffprobe.Format{
				Tags: map[string]string{"creation_time": ts.UTC().Format(time.RFC3339)},
			}}, nil
		}
		return ffprobe.Result{}, nil
	}
	t.Cleanup(func() {
		recordedAt = origRecorded
		inspectMedia = origInspect
	})
}

func newProject(t *testing.T, parts ...string) (string, string) {
	t.Helper()
	project := filepath.Join(t.TempDir(), "Summer Tape (2003)")
	lowres := filepath.Join(project, "LowRes")
	if err := os.MkdirAll(lowres, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range parts {
		if err := os.WriteFile(filepath.Join(lowres, name), []byte("DV"+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return project, lowres
}

func newAssembler(t *testing.T, tools Merger, mutate func(*config.Config)) *Assembler {
	t.Helper()
	cfg := config.Default()
	cfg.Merging.Overlays = false
	if mutate != nil {
		mutate(&cfg)
	}
	return New(&cfg, tools, logging.NewNop())
}

func TestFindPartsOrdersByRecordingStart(t *testing.T) {
	_, lowres := newProject(t, "part_001.avi", "part_002.avi", "part_003.avi")
	stubInspectors(t,
		map[string]time.Time{"part_001.avi": time.Date(2003, 7, 1, 10, 0, 0, 0, time.UTC)},
		map[string]time.Time{"part_002.avi": time.Date(2003, 7, 1, 9, 0, 0, 0, time.UTC)},
		nil)
	early := time.Date(2003, 7, 1, 8, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(lowres, "part_003.avi"), early, early); err != nil {
		t.Fatal(err)
	}

	parts, err := newAssembler(t, &fakeTools{}, nil).FindParts(context.Background(), lowres)
	if err != nil {
		t.Fatalf("FindParts returned error: %v", err)
	}

	var indexes []int
	var sources []TimeSource
	for _, part := range parts {
		indexes = append(indexes, part.Index)
		sources = append(sources, part.Source)
	}
	if want := []int{3, 2, 1}; !reflect.DeepEqual(indexes, want) {
		t.Fatalf("part order = %v, want %v", indexes, want)
	}
	wantSources := []TimeSource{TimeSourceModTime, TimeSourceMetadata, TimeSourceTimecode}
	if !reflect.DeepEqual(sources, wantSources) {
		t.Fatalf("sources = %v, want %v", sources, wantSources)
	}
}

func TestFindPartsTieBreaksOnIndex(t *testing.T) {
	_, lowres := newProject(t, "part_002.avi", "part_001.avi", "part_003.avi")
	stubInspectors(t, nil, nil, nil)
	same := time.Date(2003, 7, 1, 8, 0, 0, 0, time.UTC)
	for _, name := range []string{"part_001.avi", "part_002.avi", "part_003.avi"} {
		if err := os.Chtimes(filepath.Join(lowres, name), same, same); err != nil {
			t.Fatal(err)
		}
	}

	parts, err := newAssembler(t, &fakeTools{}, nil).FindParts(context.Background(), lowres)
	if err != nil {
		t.Fatalf("FindParts returned error: %v", err)
	}
	for i, part := range parts {
		if part.Index != i+1 {
			t.Fatalf("position %d holds part %d", i, part.Index)
		}
	}
}

func TestFindPartsIgnoresForeignFiles(t *testing.T) {
	_, lowres := newProject(t, "part_001.avi", "movie_merged.avi", "notes.txt", "part_x.avi")
	stubInspectors(t, nil, nil, nil)

	parts, err := newAssembler(t, &fakeTools{}, nil).FindParts(context.Background(), lowres)
	if err != nil {
		t.Fatalf("FindParts returned error: %v", err)
	}
	if len(parts) != 1 || parts[0].Index != 1 {
		t.Fatalf("parts = %+v, want only part_001", parts)
	}
}

func TestMergeSinglePartCopies(t *testing.T) {
	project, lowres := newProject(t, "part_001.dv")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{}

	result, err := newAssembler(t, tools, nil).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if want := filepath.Join(lowres, "movie_merged.dv"); result.Output != want {
		t.Fatalf("output = %q, want %q", result.Output, want)
	}
	data, err := os.ReadFile(result.Output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "DVpart_001.dv" {
		t.Fatalf("single part merge should copy the part, got %q", data)
	}
	if len(tools.concatCalls) != 0 {
		t.Fatalf("unexpected concat for single part: %v", tools.concatCalls)
	}
}

func TestMergeConcatsInOrder(t *testing.T) {
	project, lowres := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{}

	result, err := newAssembler(t, tools, nil).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if result.Reencoded {
		t.Fatal("stream copy should not report a re-encode")
	}
	want := [][]string{{
		filepath.Join(lowres, "part_001.avi"),
		filepath.Join(lowres, "part_002.avi"),
	}}
	if !reflect.DeepEqual(tools.concatCalls, want) {
		t.Fatalf("concat calls = %v, want %v", tools.concatCalls, want)
	}
	data, err := os.ReadFile(result.Output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "copy-merged" {
		t.Fatalf("merged content = %q", data)
	}
}

func TestMergeFallsBackToReencode(t *testing.T) {
	project, _ := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{
		concatErr: services.Wrap(services.ErrExternalTool, "ffmpeg", "concat", "codec parameters differ", errors.New("exit status 1")),
	}

	result, err := newAssembler(t, tools, nil).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if !result.Reencoded {
		t.Fatal("expected re-encode fallback to be recorded")
	}
	if len(tools.encodeCalls) != 1 {
		t.Fatalf("encode calls = %d, want 1", len(tools.encodeCalls))
	}
	data, err := os.ReadFile(result.Output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "encode-merged" {
		t.Fatalf("merged content = %q", data)
	}
}

func TestMergeFailsWhenBothConcatsFail(t *testing.T) {
	project, _ := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{
		concatErr: services.Wrap(services.ErrExternalTool, "ffmpeg", "concat", "broken", errors.New("exit status 1")),
		encodeErr: services.Wrap(services.ErrExternalTool, "ffmpeg", "concat_encode", "broken", errors.New("exit status 1")),
	}

	_, err := newAssembler(t, tools, nil).Merge(context.Background(), project)
	if err == nil {
		t.Fatal("expected merge failure")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
}

func TestMergeWithoutPartsReportsNotFound(t *testing.T) {
	project, _ := newProject(t)
	stubInspectors(t, nil, nil, nil)

	_, err := newAssembler(t, &fakeTools{}, nil).Merge(context.Background(), project)
	if err == nil {
		t.Fatal("expected error for empty project")
	}
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found classification, got %v", err)
	}
}

func TestMergeAllUnreadableReportsValidation(t *testing.T) {
	project, _ := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, map[string]bool{"part_001.avi": true, "part_002.avi": true})

	_, err := newAssembler(t, &fakeTools{}, nil).Merge(context.Background(), project)
	if err == nil {
		t.Fatal("expected error when nothing is readable")
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation classification, got %v", err)
	}
}

func TestMergeSkipsUnreadableParts(t *testing.T) {
	project, lowres := newProject(t, "part_001.avi", "part_002.avi", "part_003.avi")
	stubInspectors(t, nil, nil, map[string]bool{"part_002.avi": true})
	tools := &fakeTools{}

	result, err := newAssembler(t, tools, nil).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Index != 2 {
		t.Fatalf("skipped = %+v, want part 2 only", result.Skipped)
	}
	want := [][]string{{
		filepath.Join(lowres, "part_001.avi"),
		filepath.Join(lowres, "part_003.avi"),
	}}
	if !reflect.DeepEqual(tools.concatCalls, want) {
		t.Fatalf("concat calls = %v, want %v", tools.concatCalls, want)
	}
}

func TestMergeAppliesOverlays(t *testing.T) {
	start := time.Date(2003, 7, 1, 12, 0, 0, 0, time.UTC)
	project, lowres := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, map[string]time.Time{"part_001.avi": start}, nil, nil)
	tools := &fakeTools{scenes: []float64{5, 65}}

	result, err := newAssembler(t, tools, func(cfg *config.Config) {
		cfg.Merging.Overlays = true
	}).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if !result.Overlaid || result.SceneCount != 2 {
		t.Fatalf("overlaid = %v scenes = %d", result.Overlaid, result.SceneCount)
	}
	wantBase := strconv.FormatInt(start.Unix(), 10)
	if !strings.Contains(tools.filter, `gmtime\:`+wantBase) {
		t.Fatalf("filter %q missing base epoch %s", tools.filter, wantBase)
	}

	data, err := os.ReadFile(result.Output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "stamped" {
		t.Fatalf("stamped merge content = %q", data)
	}
	raw, err := os.ReadFile(filepath.Join(lowres, "movie_merged_raw.avi"))
	if err != nil {
		t.Fatalf("expected plain merge backup: %v", err)
	}
	if string(raw) != "copy-merged" {
		t.Fatalf("backup content = %q", raw)
	}
}

func TestMergeOverlayElapsedWithoutTrustedStart(t *testing.T) {
	project, _ := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{scenes: []float64{10}}

	result, err := newAssembler(t, tools, func(cfg *config.Config) {
		cfg.Merging.Overlays = true
	}).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if !result.Overlaid {
		t.Fatal("expected overlays to apply")
	}
	if !strings.Contains(tools.filter, `gmtime\:0\:`) {
		t.Fatalf("expected elapsed-time template, got %q", tools.filter)
	}
	if !result.RecordingStart.IsZero() {
		t.Fatalf("mtime ordering must not produce a recording start, got %v", result.RecordingStart)
	}
}

func TestMergeOverlayFailureKeepsPlainMerge(t *testing.T) {
	project, lowres := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{
		scenes:     []float64{10},
		overlayErr: services.Wrap(services.ErrExternalTool, "ffmpeg", "overlay", "font missing", errors.New("exit status 1")),
	}

	result, err := newAssembler(t, tools, func(cfg *config.Config) {
		cfg.Merging.Overlays = true
	}).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("overlay failure must not fail the merge: %v", err)
	}
	if result.Overlaid {
		t.Fatal("overlaid should be false after overlay failure")
	}
	data, err := os.ReadFile(result.Output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "copy-merged" {
		t.Fatalf("plain merge content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(lowres, "movie_merged_stamped.avi")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stamped leftover should be removed, stat err = %v", err)
	}
}

func TestMergeOverlaySkippedWithoutScenes(t *testing.T) {
	project, _ := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{}

	result, err := newAssembler(t, tools, func(cfg *config.Config) {
		cfg.Merging.Overlays = true
	}).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if tools.overlayCalls != 0 {
		t.Fatalf("overlay ran despite no scenes: %d calls", tools.overlayCalls)
	}
	if result.Overlaid {
		t.Fatal("overlaid should be false without scenes")
	}
}

func TestMergeSceneDetectionFailureIsNonFatal(t *testing.T) {
	project, _ := newProject(t, "part_001.avi", "part_002.avi")
	stubInspectors(t, nil, nil, nil)
	tools := &fakeTools{scenesErr: errors.New("boom")}

	result, err := newAssembler(t, tools, func(cfg *config.Config) {
		cfg.Merging.Overlays = true
	}).Merge(context.Background(), project)
	if err != nil {
		t.Fatalf("scene detection failure must not fail the merge: %v", err)
	}
	if result.Overlaid {
		t.Fatal("overlaid should be false when detection failed")
	}
}
