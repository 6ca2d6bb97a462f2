package vmem

import (
	"testing"

	"github.com/xyproto/barf/internal/engine"
)

func TestAllocProtectFree(t *testing.T) {
	r, err := Alloc(100, false)
	if err != nil {
		t.Fatalf("Failed to allocate region: %v", err)
	}
	if r.Size() != engine.PageSize {
		t.Errorf("Expected one page, got %d bytes", r.Size())
	}
	if r.Addr()%engine.PageSize != 0 {
		t.Errorf("Expected a page aligned address, got 0x%x", r.Addr())
	}
	mem := r.Bytes()
	for i, b := range mem {
		if b != 0 {
			t.Fatalf("Expected zeroed memory, byte %d is %d", i, b)
		}
	}
	copy(mem, "barf")

	if err := r.Protect(0, 4, ProtRead); err != nil {
		t.Fatalf("Failed to protect region: %v", err)
	}
	if string(r.Bytes()[:4]) != "barf" {
		t.Error("Expected contents to survive a protection change")
	}
	if err := r.Protect(0, r.Size(), ProtReadWrite); err != nil {
		t.Fatalf("Failed to restore write access: %v", err)
	}
	if err := r.Free(); err != nil {
		t.Fatalf("Failed to free region: %v", err)
	}
	if err := r.Free(); err != nil {
		t.Errorf("Expected a second free to be a no-op, got %v", err)
	}
	if err := r.Protect(0, 1, ProtRead); err == nil {
		t.Error("Expected protecting a freed region to fail")
	}
}

func TestProtectRange(t *testing.T) {
	r, err := Alloc(2*engine.PageSize, false)
	if err != nil {
		t.Fatalf("Failed to allocate region: %v", err)
	}
	defer r.Free()

	if err := r.Protect(1, 1, ProtRead); err == nil {
		t.Error("Expected an unaligned offset to be rejected")
	}
	if err := r.Protect(engine.PageSize, engine.PageSize+1, ProtRead); err == nil {
		t.Error("Expected a range past the region to be rejected")
	}
	if err := r.Protect(engine.PageSize, 0, ProtRead); err != nil {
		t.Errorf("Expected an empty range to succeed, got %v", err)
	}
}

func TestAllocLow32(t *testing.T) {
	if !Low32Supported {
		t.Skip("no low mappings on this platform")
	}
	r, err := Alloc(1, true)
	if err != nil {
		t.Fatalf("Failed to allocate low region: %v", err)
	}
	defer r.Free()
	if uint64(r.Addr())+r.Size() > 1<<32 {
		t.Errorf("Expected a mapping below 4 GiB, got 0x%x", r.Addr())
	}
}

func TestAllocEmpty(t *testing.T) {
	if _, err := Alloc(0, false); err == nil {
		t.Error("Expected an empty allocation to fail")
	}
}

func TestProtectionString(t *testing.T) {
	if ProtReadExec.String() != "r-x" || ProtNone.String() != "---" {
		t.Errorf("Unexpected names %s and %s", ProtReadExec, ProtNone)
	}
}
