package translate

import (
	"errors"
	"testing"

	"github.com/kdsync/kdsync/pkg/state"
)

func TestResolveBaseExtensionAgnostic(t *testing.T) {
	ctx := NewContext("mydriver", 0x140000000, nil)
	mods := []state.Module{
		{Name: "nt", Base: 0xfffff8055f000000},
		{Name: "MyDriver.sys", Base: 0xfffff80560900000},
	}
	if err := ctx.ResolveFrom(mods); err != nil {
		t.Fatalf("ResolveFrom failed: %v", err)
	}
	if !ctx.Resolved() {
		t.Fatal("context should be resolved")
	}
}

func TestResolveBaseNotFound(t *testing.T) {
	ctx := NewContext("mydriver", 0x140000000, nil)
	err := ctx.ResolveFrom([]state.Module{{Name: "other.sys", Base: 0x1000}})
	if !errors.Is(err, ErrKernelBaseNotFound) {
		t.Errorf("err = %v, want ErrKernelBaseNotFound", err)
	}
	if ctx.Resolved() {
		t.Error("context must stay unresolved")
	}
}

func TestTranslationNotReady(t *testing.T) {
	ctx := NewContext("mydriver", 0x140000000, nil)
	if _, err := ctx.ToAnalysis(0x1234); !errors.Is(err, ErrNotReady) {
		t.Errorf("ToAnalysis before resolution: err = %v, want ErrNotReady", err)
	}
}

func TestTranslationRoundTrip(t *testing.T) {
	ctx := NewContext("mydriver", 0x140000000, nil)
	if err := ctx.ResolveFrom([]state.Module{{Name: "mydriver.sys", Base: 0xfffff80560900000}}); err != nil {
		t.Fatal(err)
	}

	live := uint64(0xfffff8056091bef0)
	analysis, err := ctx.ToAnalysis(live)
	if err != nil {
		t.Fatal(err)
	}
	if analysis != 0x14001bef0 {
		t.Errorf("ToAnalysis = %#x, want 0x14001bef0", analysis)
	}

	back, err := ctx.ToLive(analysis)
	if err != nil {
		t.Fatal(err)
	}
	if back != live {
		t.Errorf("round trip: got %#x, want %#x", back, live)
	}

	off, _ := ctx.Offset()
	if analysis-off != live {
		t.Errorf("analysis - offset = %#x, want %#x", analysis-off, live)
	}
}

func TestRebaseForwardOnly(t *testing.T) {
	ctx := NewContext("mydriver", 0x140000000, nil)
	if err := ctx.ResolveFrom([]state.Module{{Name: "mydriver.sys", Base: 0x1000}}); err != nil {
		t.Fatal(err)
	}
	before, _ := ctx.ToAnalysis(0x1010)

	// Module reloaded at a different base.
	if err := ctx.ResolveFrom([]state.Module{{Name: "mydriver.sys", Base: 0x2000}}); err != nil {
		t.Fatal(err)
	}
	after, _ := ctx.ToAnalysis(0x2010)

	if before != after {
		t.Errorf("same module offset should map to the same analysis address: %#x vs %#x", before, after)
	}
	if got, _ := ctx.ToAnalysis(0x1010); got == before {
		t.Error("future translations must use the new base")
	}
}

func TestApplyOffset(t *testing.T) {
	ctx := NewContext("mydriver", 0x2000, nil)
	if err := ctx.ResolveFrom([]state.Module{{Name: "mydriver", Base: 0x1000}}); err != nil {
		t.Fatal(err)
	}
	offset, err := ctx.Offset()
	if err != nil {
		t.Fatal(err)
	}
	frames := ApplyOffset([]state.Frame{{RetAddr: 0x1100, FramePtr: 0x1200, Symbol: "f"}}, offset)
	if frames[0].RetAddr != 0x2100 || frames[0].FramePtr != 0x2200 {
		t.Errorf("translated frame = %+v", frames[0])
	}
	if frames[0].Symbol != "f" {
		t.Errorf("symbol lost in translation: %+v", frames[0])
	}
}

func TestModuleMatches(t *testing.T) {
	cases := []struct {
		name, target string
		want         bool
	}{
		{"mydriver.sys", "mydriver", true},
		{"MYDRIVER.SYS", "mydriver", true},
		{"mydriver", "MyDriver.sys", true},
		{"otherdriver.sys", "mydriver", false},
		{"mydriver2.sys", "mydriver", false},
	}
	for _, c := range cases {
		if got := moduleMatches(c.name, c.target); got != c.want {
			t.Errorf("moduleMatches(%q, %q) = %v, want %v", c.name, c.target, got, c.want)
		}
	}
}
