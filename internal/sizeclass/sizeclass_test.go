package sizeclass

import "testing"

func TestClassIndexBoundaries(t *testing.T) {
	cases := []struct {
		n    uintptr
		want int
	}{
		{1, 0},
		{8, 0},
		{9, 1},
		{16, 1},
		{2048, Count - 1},
	}
	for _, c := range cases {
		got, err := ClassIndex(c.n)
		if err != nil {
			t.Fatalf("ClassIndex(%d): %v", c.n, err)
		}
		if got != c.want {
			t.Fatalf("ClassIndex(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestClassIndexRejectsOutOfRange(t *testing.T) {
	if _, err := ClassIndex(0); err == nil {
		t.Fatal("expected error for 0")
	}
	if _, err := ClassIndex(MaxSmall + 1); err == nil {
		t.Fatal("expected error for > MaxSmall")
	}
}

func TestTableBlockSizesAreMonotonic(t *testing.T) {
	for i, c := range Table {
		want := uint32((i + 1) * Granularity)
		if c.BlockSize != want {
			t.Fatalf("Table[%d].BlockSize = %d, want %d", i, c.BlockSize, want)
		}
		if c.MaxObjects == 0 {
			t.Fatalf("Table[%d].MaxObjects is zero", i)
		}
	}
}

func TestIsLarge(t *testing.T) {
	if IsLarge(MaxSmall) {
		t.Fatal("MaxSmall itself should not be large")
	}
	if !IsLarge(MaxSmall + 1) {
		t.Fatal("MaxSmall+1 should be large")
	}
}
