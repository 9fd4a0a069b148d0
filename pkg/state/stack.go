package state

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// stackLine matches WinDbg "kn" output:
//
//	00 fffff805`6273f8a8 fffff805`6091bef4 mydriver!dispatch+0x24
var stackLine = regexp.MustCompile("(?i)^\\s*([0-9a-f]+)\\s+([0-9a-f`]+)\\s+([0-9a-f`]+)\\s+(.+)$")

// ParseStackTrace reads a "kn" dump into frames. WinDbg prints the
// innermost frame first, so the resulting slice has the outermost frame
// last, matching the snapshot's stack ordering.
func ParseStackTrace(r io.Reader) []Frame {
	var frames []Frame
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if isLogNoise(line) || strings.HasPrefix(line, " #") {
			continue
		}
		m := stackLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		childSP, err := parseAddress(m[2])
		if err != nil {
			continue
		}
		retAddr, err := parseAddress(m[3])
		if err != nil {
			continue
		}
		frames = append(frames, Frame{
			RetAddr:  retAddr,
			FramePtr: childSP,
			Symbol:   strings.TrimSpace(m[4]),
		})
	}
	return frames
}

func isLogNoise(line string) bool {
	return strings.HasPrefix(line, "Opened log file") ||
		strings.HasPrefix(line, "Closing open log file") ||
		strings.TrimSpace(line) == ""
}
