package protocol

import (
	"fmt"
	"path/filepath"
)

// registerOrder is the fixed register set the dump template requests.
var registerOrder = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var segmentOrder = []string{"cs", "ds", "es", "fs", "gs", "ss"}

// InitCommands builds the startup script that only dumps the loaded-module
// list, used before the kernel base has been resolved.
func InitCommands(dir string) []string {
	return []string{
		".block {",
		fmt.Sprintf(`.logopen "%s"`, filepath.Join(dir, ModulesFileName)),
		"lm",
		".logclose",
		"}",
	}
}

// StateCommands builds the per-step dump script the operator replays after
// every debugging step. It emits the state document as one JSON line (via
// .printf), a 16-byte memory excerpt at the program counter, a module
// list, and a stack trace appended after the document. A pseudo-register
// ($t19) provides the strictly increasing sequence number.
//
// WinDbg's scripting surface forces the one-printf-per-field shape here.
func StateCommands(dir string) []string {
	cmds := []string{
		".block {",
		fmt.Sprintf(`.logopen "%s"`, filepath.Join(dir, "breakpoints.txt")),
		"bl",
		".logclose",
		fmt.Sprintf(`.logopen "%s"`, filepath.Join(dir, ModulesFileName)),
		"lm",
		".logclose",
		fmt.Sprintf(`.logopen "%s"`, filepath.Join(dir, StateFileName)),
		"r @$t19 = @$t19 + 1",
		`.printf "{\"sequenceNumber\":%d,", @$t19`,
		`.printf "\"programCounter\":\"%p\",", @rip`,
		`.printf "\"registers\":{"`,
	}
	for i, reg := range registerOrder {
		sep := ","
		if i == len(registerOrder)-1 {
			sep = ""
		}
		cmds = append(cmds, fmt.Sprintf(`.printf "\"%s\":\"%%p\"%s", @%s`, reg, sep, reg))
	}
	cmds = append(cmds, `.printf ",\"efl\":\"%p\"}", @efl`)
	cmds = append(cmds, `.printf ",\"segments\":{"`)
	for i, seg := range segmentOrder {
		sep := ","
		if i == len(segmentOrder)-1 {
			sep = ""
		}
		cmds = append(cmds, fmt.Sprintf(`.printf "\"%s\":\"%%04x\"%s", @%s`, seg, sep, seg))
	}
	cmds = append(cmds,
		`.printf "}"`,
		`.printf ",\"memory\":{\"code\":\""`,
		`.for (r @$t0 = 0; @$t0 < 0x10; r @$t0 = @$t0 + 1) { .printf "%02x", by(@rip+@$t0) }`,
		`.printf "\"}"`,
		`.printf "}\n"`,
		"kn",
		".logclose",
		"}",
	)
	return cmds
}
