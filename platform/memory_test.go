package platform

import (
	"errors"
	"testing"
)

func testMemory(t *testing.T, m Memory) {
	size := 16 * m.PageSize()
	mem, err := m.Reserve(size)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if uintptr(len(mem)) != size {
		t.Fatalf("Reserve returned %d bytes, want %d", len(mem), size)
	}
	part := mem[:2*m.PageSize()]
	if err := m.Commit(part); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for i, b := range part {
		if b != 0 {
			t.Fatalf("committed memory not zero at %d", i)
		}
	}
	part[0] = 0xaa
	part[len(part)-1] = 0x55
	if err := m.Decommit(part); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if err := m.Commit(part); err != nil {
		t.Fatalf("Commit again: %v", err)
	}
	if part[0] != 0 || part[len(part)-1] != 0 {
		t.Errorf("recommitted memory is not zero")
	}
	if err := m.Decommit(part); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if err := m.Release(mem); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestDefaultMemory(t *testing.T) {
	testMemory(t, Default())
}

func TestGoMemory(t *testing.T) {
	testMemory(t, NewGoMemory())
}

func TestLimit(t *testing.T) {
	m := WithLimit(NewGoMemory(), 8192)
	mem, err := m.Reserve(16384)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Commit(mem[:8192]); err != nil {
		t.Fatalf("Commit under the limit failed: %v", err)
	}
	if err := m.Commit(mem[8192:12288]); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("Commit over the limit returned %v, want ErrLimitExceeded", err)
	}
	if got := Committed(m); got != 8192 {
		t.Errorf("Committed = %d, want 8192", got)
	}
	if err := m.Decommit(mem[:4096]); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if err := m.Commit(mem[8192:12288]); err != nil {
		t.Errorf("Commit after decommit failed: %v", err)
	}
	if Limit(m) != 8192 || Limit(NewGoMemory()) != 0 {
		t.Errorf("Limit reported wrong values")
	}
}
