package task

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// RenderSRT writes the result's segments as SubRip subtitles:
// a sequential cue index, "HH:MM:SS,mmm --> HH:MM:SS,mmm", the segment
// text, then a blank line.
func RenderSRT(w io.Writer, segments []Segment) error {
	bw := bufio.NewWriter(w)
	for i, seg := range segments {
		fmt.Fprintf(bw, "%d\n", i+1)
		fmt.Fprintf(bw, "%s --> %s\n", srtTimestamp(seg.Start), srtTimestamp(seg.End))
		fmt.Fprintf(bw, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return bw.Flush()
}

// SRTFileName derives the download filename for a finished task.
func SRTFileName(originalFileName, outputLanguage string) string {
	return fmt.Sprintf("%s_%s.srt", originalFileName, outputLanguage)
}

func srtTimestamp(seconds float64) string {
	// Round to whole milliseconds first so 3661.042 does not truncate to ,041.
	d := time.Duration(math.Round(seconds*1000)) * time.Millisecond
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// ParseSRT reads SubRip cues back into segments. Cue indices are
// re-derived from order; token data is not part of the SRT grammar.
func ParseSRT(r io.Reader) ([]Segment, error) {
	var segments []Segment
	sc := bufio.NewScanner(r)

	for {
		// Skip blank separator lines between cues.
		var line string
		ok := false
		for sc.Scan() {
			line = strings.TrimSpace(sc.Text())
			if line != "" {
				ok = true
				break
			}
		}
		if !ok {
			break
		}

		idx, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("srt: bad cue index %q", line)
		}

		if !sc.Scan() {
			return nil, fmt.Errorf("srt: cue %d: missing timing line", idx)
		}
		start, end, err := parseSRTTiming(strings.TrimSpace(sc.Text()))
		if err != nil {
			return nil, fmt.Errorf("srt: cue %d: %w", idx, err)
		}

		var text []string
		for sc.Scan() {
			l := strings.TrimRight(sc.Text(), "\r")
			if strings.TrimSpace(l) == "" {
				break
			}
			text = append(text, l)
		}

		segments = append(segments, Segment{
			ID:    len(segments),
			Start: start,
			End:   end,
			Text:  strings.Join(text, "\n"),
		})
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("srt: %w", err)
	}
	return segments, nil
}

func parseSRTTiming(line string) (start, end float64, err error) {
	parts := strings.Split(line, " --> ")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad timing line %q", line)
	}
	if start, err = parseSRTTimestamp(parts[0]); err != nil {
		return 0, 0, err
	}
	if end, err = parseSRTTimestamp(parts[1]); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseSRTTimestamp(ts string) (float64, error) {
	var h, m, s, ms int
	if _, err := fmt.Sscanf(strings.TrimSpace(ts), "%d:%d:%d,%d", &h, &m, &s, &ms); err != nil {
		return 0, fmt.Errorf("bad timestamp %q", ts)
	}
	return float64(h)*3600 + float64(m)*60 + float64(s) + float64(ms)/1000, nil
}
