package state

import (
	"bufio"
	"io"
	"strings"
)

// ParseModuleList reads a WinDbg "lm" dump. Lines look like
//
//	start             end                 module name
//	fffff805`60900000 fffff805`60950000   mydriver   (deferred)
//
// Everything after an "Unloaded modules:" marker is skipped, as are the
// log-open/close noise lines WinDbg adds around the dump.
func ParseModuleList(r io.Reader) []Module {
	var mods []Module
	scanner := bufio.NewScanner(r)
	inUnloaded := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Unloaded modules:") {
			inUnloaded = true
			continue
		}
		if inUnloaded || strings.TrimSpace(line) == "" || strings.Contains(line, "start") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		start, err := parseAddress(fields[0])
		if err != nil {
			continue
		}
		end, err := parseAddress(fields[1])
		if err != nil || end < start {
			continue
		}
		mods = append(mods, Module{
			Name: fields[2],
			Base: start,
			Size: end - start,
		})
	}
	return mods
}
