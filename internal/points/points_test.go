package points

import "testing"

func TestChunkContiguousCeilBalanced(t *testing.T) {
	// spec.md §8 scenario 2: 10 rows over 3 nodes -> [0,4) [4,7) [7,10)
	got := Chunk(10, 3)
	want := []Range{{0, 4}, {4, 7}, {7, 10}}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestChunkSingleNode(t *testing.T) {
	got := Chunk(5, 1)
	if len(got) != 1 || got[0] != (Range{0, 5}) {
		t.Fatalf("got %+v", got)
	}
}

func TestChunkNodesExceedTotalClamps(t *testing.T) {
	got := Chunk(2, 5)
	if len(got) != 5 {
		t.Fatalf("expected 5 ranges, got %d", len(got))
	}
	total := 0
	emptyCount := 0
	for _, r := range got {
		total += r.Len()
		if r.Len() == 0 {
			emptyCount++
		}
	}
	if total != 2 {
		t.Fatalf("total coverage = %d, want 2", total)
	}
	if emptyCount != 3 {
		t.Fatalf("expected 3 empty (clamped) ranges, got %d", emptyCount)
	}
}

func TestChunkZeroTotal(t *testing.T) {
	got := Chunk(0, 3)
	for _, r := range got {
		if r.Len() != 0 {
			t.Fatalf("expected empty ranges for zero total, got %+v", r)
		}
	}
}
