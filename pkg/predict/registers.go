package predict

import "golang.org/x/arch/x86/x86asm"

// names64 follows the hardware register numbering (ModRM order).
var names64 = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// slot locates a decoded register operand inside its full 64-bit register.
type slot struct {
	name  string
	width uint // bits
	shift uint // bit offset, 8 for ah/ch/dh/bh
}

func (s slot) mask() uint64 {
	if s.width == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << s.width) - 1
}

func regSlot(r x86asm.Reg) (slot, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return slot{name: names64[r-x86asm.RAX], width: 64}, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return slot{name: names64[r-x86asm.EAX], width: 32}, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return slot{name: names64[r-x86asm.AX], width: 16}, true
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)
		if i >= 4 && i < 8 {
			// ah/ch/dh/bh: high byte of the first four registers.
			return slot{name: names64[i-4], width: 8, shift: 8}, true
		}
		if i >= 8 {
			// spb/bpb/sib/dib and r8b-r15b resume ModRM order at 4.
			i -= 4
		}
		return slot{name: names64[i], width: 8}, true
	case r == x86asm.RIP:
		return slot{name: "rip", width: 64}, true
	default:
		return slot{}, false
	}
}

// readReg extracts the operand-width value of r from the register file.
func readReg(regs map[string]uint64, r x86asm.Reg) (uint64, bool) {
	s, ok := regSlot(r)
	if !ok {
		return 0, false
	}
	full, ok := regs[s.name]
	if !ok {
		return 0, false
	}
	return (full >> s.shift) & s.mask(), true
}

// mergeWrite computes the new full-register value after writing v into
// the slot. A 32-bit destination zero-extends; 8/16-bit destinations
// merge into the current value, which must therefore be known.
func mergeWrite(regs map[string]uint64, s slot, v uint64) (uint64, bool) {
	switch s.width {
	case 64:
		return v, true
	case 32:
		return v & 0xffffffff, true
	default:
		cur, ok := regs[s.name]
		if !ok {
			return 0, false
		}
		return (cur &^ (s.mask() << s.shift)) | ((v & s.mask()) << s.shift), true
	}
}
