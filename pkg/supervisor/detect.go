package supervisor

import "strings"

// Stream names a process output pipe.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// CompletionDetector decides from one output line that the process has
// finished its work even though it may not exit by itself.
type CompletionDetector func(stream Stream, line string) bool

// SubstringDetector reports completion when a stderr line contains marker.
// An empty marker never matches.
func SubstringDetector(marker string) CompletionDetector {
	if marker == "" {
		return nil
	}
	return func(stream Stream, line string) bool {
		return stream == Stderr && strings.Contains(line, marker)
	}
}
