// Package predict forecasts register effects of the instruction at the
// current program counter, ahead of the next confirmed observation. It is
// heuristic by design: classes whose effect depends on memory contents or
// a branch outcome are marked unknown rather than guessed.
package predict

import (
	"strings"

	"github.com/go-kit/log"
	"golang.org/x/arch/x86/x86asm"

	"github.com/kdsync/kdsync/pkg/state"
)

const flagsReg = "efl"

// Delta is a forecast for one register: a concrete value, or unknown.
type Delta struct {
	Value uint64
	Known bool
}

// Effect is the predicted register mutation of a single instruction.
// Addresses are live coordinates, like the snapshot it was derived from.
type Effect struct {
	Addr         uint64
	Len          int
	Mnemonic     string
	Text         string
	Deltas       map[string]Delta
	DecodeFailed bool
}

func (e *Effect) set(name string, v uint64) {
	e.Deltas[name] = Delta{Value: v, Known: true}
}

func (e *Effect) unknown(names ...string) {
	for _, n := range names {
		e.Deltas[n] = Delta{}
	}
}

// writeSlot records a write of v into a register operand, merging partial
// widths; an unmergeable partial write degrades to unknown.
func (e *Effect) writeSlot(regs map[string]uint64, s slot, v uint64) {
	if full, ok := mergeWrite(regs, s, v); ok {
		e.set(s.name, full)
	} else {
		e.unknown(s.name)
	}
}

// Predictor decodes and forecasts, keeping a running accuracy tally fed by
// reconciliation against the next confirmed snapshot.
type Predictor struct {
	dec      *Decoder
	logger   log.Logger
	Accuracy Accuracy
}

func New(cacheSize int, logger log.Logger) *Predictor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Predictor{
		dec:    NewDecoder(cacheSize),
		logger: log.With(logger, "component", "predict"),
	}
}

// Predict forecasts the effect of the instruction at the snapshot's
// program counter. It never fails: a decode failure yields an all-unknown
// effect with DecodeFailed set.
func (p *Predictor) Predict(snap *state.Snapshot) *Effect {
	dec, err := p.dec.DecodeAt(snap)
	if err != nil {
		p.logger.Log("msg", "decode failed", "pc", snap.PCRaw, "err", err)
		e := &Effect{Addr: snap.PCRaw, DecodeFailed: true, Deltas: make(map[string]Delta, len(snap.Registers))}
		for name := range snap.Registers {
			e.unknown(name)
		}
		return e
	}
	return forecast(dec, snap)
}

// conditional covers branch instructions whose taken/not-taken outcome we
// never guess.
var conditional = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

func forecast(dec *Decoded, snap *state.Snapshot) *Effect {
	inst := dec.Inst
	regs := snap.Registers
	e := &Effect{
		Addr:     dec.Addr,
		Len:      inst.Len,
		Mnemonic: strings.ToLower(inst.Op.String()),
		Text:     dec.Text,
		Deltas:   make(map[string]Delta),
	}

	next := dec.Addr + uint64(inst.Len)
	e.set("rip", next)

	if conditional[inst.Op] {
		e.unknown("rip", flagsReg)
		return e
	}

	switch inst.Op {
	case x86asm.MOV, x86asm.MOVZX:
		dst, ok := dstSlot(inst.Args[0])
		if !ok {
			break // memory destination, no register change
		}
		if v, ok := readArg(inst, inst.Args[1], regs, next); ok {
			e.writeSlot(regs, dst, v)
		} else {
			e.unknown(dst.name)
		}

	case x86asm.MOVSX, x86asm.MOVSXD:
		dst, ok := dstSlot(inst.Args[0])
		if !ok {
			break
		}
		src, isReg := inst.Args[1].(x86asm.Reg)
		if !isReg {
			e.unknown(dst.name)
			break
		}
		v, vok := readReg(regs, src)
		ss, sok := regSlot(src)
		if !vok || !sok {
			e.unknown(dst.name)
			break
		}
		e.writeSlot(regs, dst, signExtend(v, ss.width))

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR:
		e.unknown(flagsReg)
		dst, ok := dstSlot(inst.Args[0])
		if !ok {
			break
		}
		if inst.Op == x86asm.XOR && inst.Args[0] == inst.Args[1] {
			// Zeroing idiom works even when the current value is unknown.
			e.writeSlot(regs, dst, 0)
			break
		}
		a, aok := readArg(inst, inst.Args[0], regs, next)
		b, bok := readArg(inst, inst.Args[1], regs, next)
		if !aok || !bok {
			e.unknown(dst.name)
			break
		}
		e.writeSlot(regs, dst, arith(inst.Op, a, b))

	case x86asm.ADC, x86asm.SBB:
		// Depends on the carry flag, which we do not model.
		e.unknown(flagsReg)
		if dst, ok := dstSlot(inst.Args[0]); ok {
			e.unknown(dst.name)
		}

	case x86asm.INC, x86asm.DEC:
		e.unknown(flagsReg)
		dst, ok := dstSlot(inst.Args[0])
		if !ok {
			break
		}
		v, vok := readArg(inst, inst.Args[0], regs, next)
		if !vok {
			e.unknown(dst.name)
			break
		}
		if inst.Op == x86asm.INC {
			e.writeSlot(regs, dst, v+1)
		} else {
			e.writeSlot(regs, dst, v-1)
		}

	case x86asm.NOT, x86asm.NEG:
		if inst.Op == x86asm.NEG {
			e.unknown(flagsReg)
		}
		dst, ok := dstSlot(inst.Args[0])
		if !ok {
			break
		}
		v, vok := readArg(inst, inst.Args[0], regs, next)
		if !vok {
			e.unknown(dst.name)
			break
		}
		if inst.Op == x86asm.NOT {
			e.writeSlot(regs, dst, ^v)
		} else {
			e.writeSlot(regs, dst, -v)
		}

	case x86asm.XCHG:
		a, aok := dstSlot(inst.Args[0])
		b, bok := dstSlot(inst.Args[1])
		if !aok || !bok {
			// Memory-operand exchange: the register side becomes unknown.
			if aok {
				e.unknown(a.name)
			}
			if bok {
				e.unknown(b.name)
			}
			break
		}
		av, avok := readArg(inst, inst.Args[0], regs, next)
		bv, bvok := readArg(inst, inst.Args[1], regs, next)
		if bvok {
			e.writeSlot(regs, a, bv)
		} else {
			e.unknown(a.name)
		}
		if avok {
			e.writeSlot(regs, b, av)
		} else {
			e.unknown(b.name)
		}

	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		e.unknown(flagsReg)
		dst, ok := dstSlot(inst.Args[0])
		if !ok {
			break
		}
		v, vok := readArg(inst, inst.Args[0], regs, next)
		n, nok := readArg(inst, inst.Args[1], regs, next)
		if !vok || !nok {
			e.unknown(dst.name)
			break
		}
		n &= uint64(dst.width) - 1
		switch inst.Op {
		case x86asm.SHL:
			v <<= n
		case x86asm.SHR:
			v >>= n
		case x86asm.SAR:
			v = uint64(int64(signExtend(v, dst.width)) >> n)
		}
		e.writeSlot(regs, dst, v)

	case x86asm.LEA:
		dst, ok := dstSlot(inst.Args[0])
		if !ok {
			break
		}
		mem, isMem := inst.Args[1].(x86asm.Mem)
		if !isMem {
			e.unknown(dst.name)
			break
		}
		if addr, ok := effectiveAddress(mem, regs, next); ok {
			e.writeSlot(regs, dst, addr)
		} else {
			e.unknown(dst.name)
		}

	case x86asm.PUSH:
		adjustStack(e, regs, -8)

	case x86asm.POP:
		adjustStack(e, regs, 8)
		if dst, ok := dstSlot(inst.Args[0]); ok {
			// Loaded from memory we do not have.
			e.unknown(dst.name)
		}

	case x86asm.CALL:
		adjustStack(e, regs, -8)
		if target, ok := branchTarget(inst, next); ok {
			e.set("rip", target)
		} else {
			e.unknown("rip")
		}

	case x86asm.RET:
		delta := uint64(8)
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			delta += uint64(imm)
		}
		adjustStack(e, regs, int64(delta))
		e.unknown("rip")

	case x86asm.JMP:
		if target, ok := branchTarget(inst, next); ok {
			e.set("rip", target)
		} else {
			e.unknown("rip")
		}

	case x86asm.MUL, x86asm.DIV, x86asm.IDIV:
		e.unknown("rax", "rdx", flagsReg)

	case x86asm.IMUL:
		e.unknown(flagsReg)
		dst, ok := dstSlot(inst.Args[0])
		if !ok || inst.Args[1] == nil {
			// One-operand form widens into rdx:rax.
			e.unknown("rax", "rdx")
			break
		}
		e.unknown(dst.name)

	case x86asm.TEST, x86asm.CMP:
		e.unknown(flagsReg)

	case x86asm.NOP:
		// Fallthrough only.

	default:
		// Unmodeled instruction: assume its first register operand may be
		// written and say so honestly.
		if dst, ok := dstSlot(inst.Args[0]); ok {
			e.unknown(dst.name)
		}
		e.unknown(flagsReg)
	}

	return e
}

// dstSlot returns the register slot of a destination operand, or false
// for memory destinations.
func dstSlot(arg x86asm.Arg) (slot, bool) {
	r, ok := arg.(x86asm.Reg)
	if !ok {
		return slot{}, false
	}
	return regSlot(r)
}

// readArg evaluates an operand: register (if its value is known),
// immediate, or branch-relative. Memory operands are never read.
func readArg(inst x86asm.Inst, arg x86asm.Arg, regs map[string]uint64, next uint64) (uint64, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return readReg(regs, a)
	case x86asm.Imm:
		return uint64(a), true
	case x86asm.Rel:
		return next + uint64(int64(a)), true
	default:
		return 0, false
	}
}

func branchTarget(inst x86asm.Inst, next uint64) (uint64, bool) {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return next + uint64(int64(rel)), true
	}
	return 0, false
}

func effectiveAddress(m x86asm.Mem, regs map[string]uint64, next uint64) (uint64, bool) {
	addr := uint64(m.Disp)
	if m.Base != 0 {
		if m.Base == x86asm.RIP {
			addr += next
		} else if v, ok := readReg(regs, m.Base); ok {
			addr += v
		} else {
			return 0, false
		}
	}
	if m.Index != 0 {
		v, ok := readReg(regs, m.Index)
		if !ok {
			return 0, false
		}
		addr += v * uint64(m.Scale)
	}
	return addr, true
}

func adjustStack(e *Effect, regs map[string]uint64, delta int64) {
	rsp, ok := regs["rsp"]
	if !ok {
		e.unknown("rsp")
		return
	}
	e.set("rsp", rsp+uint64(delta))
}

func arith(op x86asm.Op, a, b uint64) uint64 {
	switch op {
	case x86asm.ADD:
		return a + b
	case x86asm.SUB:
		return a - b
	case x86asm.AND:
		return a & b
	case x86asm.OR:
		return a | b
	case x86asm.XOR:
		return a ^ b
	}
	return 0
}

func signExtend(v uint64, width uint) uint64 {
	if width >= 64 {
		return v
	}
	if v&(1<<(width-1)) != 0 {
		return v | (^uint64(0) << width)
	}
	return v
}
