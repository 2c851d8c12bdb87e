// Package anonymize resolves overlapping findings and drives the external
// anonymizer service that rewrites detected ranges.
package anonymize

import (
	"sort"

	"github.com/pithecene-io/veil/types"
)

// Resolve collapses overlapping findings before anonymization:
//
//   - a range contained in another collapses into its container
//   - touching ranges of the same type merge into one
//   - crossing ranges of different types keep the longer one, ties broken
//     by earliest start
//
// The result is sorted ascending by (start, end) and overlap-free, so
// operators applied in decreasing start order never disturb untouched
// offsets.
func Resolve(findings []types.Finding) []types.Finding {
	if len(findings) <= 1 {
		out := make([]types.Finding, len(findings))
		copy(out, findings)
		return out
	}

	sorted := make([]types.Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(&sorted[j]) })

	resolved := make([]types.Finding, 0, len(sorted))
	resolved = append(resolved, sorted[0])
	for _, f := range sorted[1:] {
		top := &resolved[len(resolved)-1]

		switch {
		// Disjoint, but same-type ranges that touch end-to-start merge.
		case f.Start > top.End || (f.Start == top.End && f.EntityType != top.EntityType):
			resolved = append(resolved, f)

		case f.Start == top.End: // touching, same type
			top.End = f.End
			if f.Confidence > top.Confidence {
				top.Confidence = f.Confidence
			}

		// Contained collapses into the container.
		case f.End <= top.End:
			if f.Confidence > top.Confidence {
				top.Confidence = f.Confidence
			}

		// Crossing, same type: merge.
		case f.EntityType == top.EntityType:
			top.End = f.End
			if f.Confidence > top.Confidence {
				top.Confidence = f.Confidence
			}

		// Crossing, different types: the longer range wins; on equal
		// length the earlier start (already held) wins.
		default:
			if f.End-f.Start > top.End-top.Start {
				*top = f
			}
		}
	}

	return resolved
}
