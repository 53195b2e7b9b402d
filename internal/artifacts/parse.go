package artifacts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// SystemMetrics is one sample from the machine metrics log. Its fields vary by
// bot image, so they are kept as decoded JSON.
type SystemMetrics map[string]any

type SoundLevel struct {
	Timestamp string  `json:"timestamp"`
	Level     float64 `json:"level"`
}

// ParseSystemMetrics reads one JSON object per line. Lines that are not JSON
// objects are counted and skipped.
func ParseSystemMetrics(body []byte) ([]SystemMetrics, int) {
	metrics := make([]SystemMetrics, 0)
	skipped := 0
	for _, line := range lines(body) {
		decoder := json.NewDecoder(strings.NewReader(line))
		decoder.UseNumber()
		var sample SystemMetrics
		if err := decoder.Decode(&sample); err != nil || sample == nil {
			skipped++
			continue
		}
		metrics = append(metrics, sample)
	}
	return metrics, skipped
}

// ParseSoundLevels reads "timestamp,level" lines. Lines without both fields
// or with a non-numeric level are counted and skipped.
func ParseSoundLevels(body []byte) ([]SoundLevel, int) {
	levels := make([]SoundLevel, 0)
	skipped := 0
	for _, line := range lines(body) {
		timestamp, rawLevel, ok := strings.Cut(line, ",")
		timestamp = strings.TrimSpace(timestamp)
		rawLevel, _, _ = strings.Cut(rawLevel, ",")
		if !ok || timestamp == "" || strings.TrimSpace(rawLevel) == "" {
			skipped++
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSpace(rawLevel), 64)
		if err != nil {
			skipped++
			continue
		}
		levels = append(levels, SoundLevel{Timestamp: timestamp, Level: level})
	}
	return levels, skipped
}

func lines(body []byte) []string {
	out := make([]string, 0)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
