package launcher

import (
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

//executors report back by printing lines with these prefixes on stdout
const (
	PROGRESS_PREFIX = "PROGRESS "
	RESULT_PREFIX   = "RESULT "
	META_PREFIX     = "META "
)

type outputUpdate struct {
	progress   *float64
	resultJson *string
	metaKey    string
	metaValue  string
}

/**
interprets one line of executor output. Returns nil if the line is plain output.
*/
func parseOutputLine(line string) *outputUpdate {
	switch {
	case strings.HasPrefix(line, PROGRESS_PREFIX):
		value, parseErr := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, PROGRESS_PREFIX)), 64)
		if parseErr != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			log.Warnf("ignoring malformed progress line %q", line)
			return nil
		}
		if value < 0 {
			value = 0
		} else if value > 1 {
			value = 1
		}
		return &outputUpdate{progress: &value}
	case strings.HasPrefix(line, RESULT_PREFIX):
		content := strings.TrimSpace(strings.TrimPrefix(line, RESULT_PREFIX))
		return &outputUpdate{resultJson: &content}
	case strings.HasPrefix(line, META_PREFIX):
		parts := strings.SplitN(strings.TrimPrefix(line, META_PREFIX), "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			log.Warnf("ignoring malformed metadata line %q", line)
			return nil
		}
		return &outputUpdate{metaKey: strings.TrimSpace(parts[0]), metaValue: strings.TrimSpace(parts[1])}
	default:
		return nil
	}
}
