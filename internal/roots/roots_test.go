package roots

import "testing"

type fakeStore struct {
	ptrs    [MaxRoots]uintptr
	filters [MaxRoots]uint32
}

func (f *fakeStore) Root(i int) (uintptr, uint32, error) {
	return f.ptrs[i], f.filters[i], nil
}

func (f *fakeStore) SetRoot(i int, ptr uintptr, filterID uint32) error {
	f.ptrs[i] = ptr
	f.filters[i] = filterID
	return nil
}

func TestSetGetRoundTrip(t *testing.T) {
	s := &fakeStore{}
	tb := NewTable(s)
	if err := tb.Set(3, 0x1000, 9); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ptr, filterID, err := tb.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ptr != 0x1000 || filterID != 9 {
		t.Fatalf("got ptr=%#x filterID=%d", ptr, filterID)
	}
}

func TestFilterRegistrationAndLookup(t *testing.T) {
	tb := NewTable(&fakeStore{})
	called := false
	tb.RegisterFilter(5, func(ptr, size uintptr, visit func(uintptr)) { called = true })

	fn, err := tb.Filter(5)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	fn(0, 0, func(uintptr) {})
	if !called {
		t.Fatal("expected registered filter to run")
	}
}

func TestFilterLookupFailsForUnregisteredID(t *testing.T) {
	tb := NewTable(&fakeStore{})
	if _, err := tb.Filter(42); err == nil {
		t.Fatal("expected error for unregistered filter id")
	}
}

func TestEachSkipsZeroRootsAndVisitsInOrder(t *testing.T) {
	s := &fakeStore{}
	tb := NewTable(s)
	tb.Set(0, 0x10, 1)
	tb.Set(2, 0x20, 2)

	var visited []int
	err := tb.Each(func(slot int, ptr uintptr, filterID uint32) error {
		visited = append(visited, slot)
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(visited) != 2 || visited[0] != 0 || visited[1] != 2 {
		t.Fatalf("unexpected visit order: %v", visited)
	}
}

func TestClearZeroesRoot(t *testing.T) {
	s := &fakeStore{}
	tb := NewTable(s)
	tb.Set(1, 0x99, 3)
	if err := tb.Clear(1); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	ptr, _, _ := tb.Get(1)
	if ptr != 0 {
		t.Fatalf("expected cleared root, got %#x", ptr)
	}
}
