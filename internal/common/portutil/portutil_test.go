package portutil

import "testing"

func TestAllocatePortReturnsValidPort(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port %d out of range", port)
	}
}

func TestAllocatePortAvoidsReuse(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := AllocatePort()
		if err != nil {
			t.Fatalf("AllocatePort (iteration %d): %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
}
