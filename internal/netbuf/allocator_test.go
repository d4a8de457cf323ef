package netbuf

import "testing"

func TestClassIndex(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{1, 0}, {64, 0}, {65, 1}, {128, 1}, {129, 2}, {1500, 5}, {2048, 5},
	}
	for _, tt := range tests {
		if got := classIndex(tt.size); got != tt.want {
			t.Errorf("classIndex(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestSlabAllocator(t *testing.T) {
	a := NewSlabAllocator(1536)

	b := a.Alloc(100)
	if len(b) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(b))
	}
	if cap(b) != 128 {
		t.Errorf("expected class capacity 128, got %d", cap(b))
	}
	for i := range b {
		b[i] = 0xAA
	}
	a.Free(b)

	// Reused storage is zeroed.
	c := a.Alloc(100)
	for i, v := range c {
		if v != 0 {
			t.Fatalf("byte %d not cleared: 0x%02x", i, v)
		}
	}

	if a.Alloc(0) != nil {
		t.Error("zero-size allocation must fail")
	}
	if a.Alloc(1537) != nil {
		t.Error("allocation above max must fail")
	}

	// Foreign slices are ignored.
	a.Free(make([]byte, 100))
}
