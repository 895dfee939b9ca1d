package ffmpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	tailLines = 40
	tailChars = 500
)

// Substrings of the per-macroblock errors the DV decoder emits for tape
// damage. Harmless and voluminous, so they are dropped from error tails.
var decoderNoise = []string{"Concealing", "AC EOB", "repeated"}

// TimestampFilter builds a drawtext chain that stamps the recording
// clock over the first hold seconds after each cut. base is the
// recording start as a Unix epoch; zero or negative stamps elapsed time
// from the head of the movie instead.
func TimestampFilter(sceneTimes []float64, hold float64, base int64) string {
	if len(sceneTimes) == 0 {
		return ""
	}
	if hold <= 0 {
		hold = 4
	}
	text := `%{pts\:gmtime\:0\:%H\:%M\:%S}`
	if base > 0 {
		text = fmt.Sprintf(`%%{pts\:gmtime\:%d\:%%Y-%%m-%%d %%H\:%%M\:%%S}`, base)
	}

	exprs := make([]string, 0, len(sceneTimes))
	for _, at := range sceneTimes {
		exprs = append(exprs, fmt.Sprintf(
			"drawtext=text='%s':fontsize=24:x=10:y=10:fontcolor=white:box=1:boxcolor=black@0.5:enable='between(t,%s,%s)'",
			text, formatSeconds(at), formatSeconds(at+hold)))
	}
	return strings.Join(exprs, ",")
}

// ParseSceneTimes extracts pts_time values from showinfo filter output.
func ParseSceneTimes(r io.Reader) []float64 {
	var times []float64
	scanner := bufio.NewScanner(r)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		_, rest, found := strings.Cut(scanner.Text(), "pts_time:")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || value < 0 {
			continue
		}
		times = append(times, value)
	}
	sort.Float64s(times)
	return times
}

// ParseFrame extracts the frame counter from an encoder status line.
// ffmpeg pads the value ("frame=  492 fps= 45 ..."), so the digits may
// be separated from the key.
func ParseFrame(line string) (int64, bool) {
	line = strings.TrimSpace(line)
	rest, found := strings.CutPrefix(line, "frame=")
	if !found {
		return 0, false
	}
	rest = strings.TrimLeft(rest, " ")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	value, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// errorTail keeps the useful end of an ffmpeg stderr dump, dropping
// decoder concealment noise first.
func errorTail(output string) string {
	var kept []string
	for _, line := range strings.FieldsFunc(output, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line == "" || isDecoderNoise(line) {
			continue
		}
		kept = appendBounded(kept, line)
	}
	joined := strings.Join(kept, "\n")
	if joined == "" {
		return "no stderr output"
	}
	if len(joined) > tailChars {
		joined = joined[len(joined)-tailChars:]
	}
	return joined
}

func isDecoderNoise(line string) bool {
	for _, marker := range decoderNoise {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func appendBounded(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return lines
}

// scanStatusLines is a bufio.SplitFunc treating both \r and \n as line
// terminators.
func scanStatusLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
