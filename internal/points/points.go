// Package points implements the contiguous-chunk partitioner the Step
// Dispatcher delegates to for the `project_points` split key. spec.md §1
// names the geospatial project-points partitioner as an external
// collaborator whose interface only is specified there; this is a
// concrete, minimal implementation satisfying that interface so the
// Dispatcher has something real to drive and test against.
package points

// Range is a half-open [Start, End) chunk of point-table row indices.
type Range struct {
	Start int
	End   int
}

// Len returns the number of rows in the range.
func (r Range) Len() int { return r.End - r.Start }

// Chunk splits [0, total) into `nodes` contiguous, ceil-balanced ranges.
//
// Per SPEC_FULL.md §4.H (resolving spec.md §9's open question), nodes >
// total is clamped rather than rejected: chunks beyond the point count
// come back empty ([total, total)) instead of erroring, so a
// conservative `nodes` value shared across a batch sweep never hard-fails
// a run with fewer points than node slots.
func Chunk(total, nodes int) []Range {
	if nodes < 1 {
		nodes = 1
	}
	ranges := make([]Range, nodes)
	if total <= 0 {
		for i := range ranges {
			ranges[i] = Range{0, 0}
		}
		return ranges
	}

	// Ceil-based chunk size so the first nodes absorb the remainder,
	// matching spec.md §8 scenario 2: 10 rows over 3 nodes -> 4,3,3.
	base := total / nodes
	rem := total % nodes
	chunkSize := base
	if rem > 0 {
		chunkSize = base + 1
	}

	pos := 0
	for i := 0; i < nodes; i++ {
		size := chunkSize
		if i >= rem && rem > 0 {
			size = base
		} else if rem == 0 {
			size = base
		}
		start := pos
		end := start + size
		if start > total {
			start = total
		}
		if end > total {
			end = total
		}
		ranges[i] = Range{start, end}
		pos = end
	}
	return ranges
}
