package importer

import (
	"lsifd/internal/lsif"
)

// canonicalRange is a range with its effective results after next-chain
// collapse and reference-result merging. Empty ids mean "no result".
type canonicalRange struct {
	rng              lsif.Range
	definitionResult lsif.ID
	referenceResult  lsif.ID
	hoverResult      lsif.ID
	monikers         []lsif.ID
}

// canonical is the post-correlation view consumed by the emit pass.
type canonical struct {
	ranges map[lsif.ID]canonicalRange
	// definitions and references hold the member sets of every result
	// still referenced after merging.
	definitions map[lsif.ID]memberSet
	references  map[lsif.ID]memberSet
}

// canonicalize collapses next chains, expands linked moniker groups, and
// merges linked reference results into single member sets.
func canonicalize(s *state) *canonical {
	refCanonical, mergedReferences := mergeLinkedReferences(s)

	ranges := make(map[lsif.ID]canonicalRange, len(s.ranges))
	for id, rng := range s.ranges {
		cr := canonicalRange{rng: rng}
		cr.definitionResult, cr.referenceResult, cr.hoverResult, cr.monikers = chainAttributes(s, id)
		if canonicalID, ok := refCanonical[cr.referenceResult]; ok {
			cr.referenceResult = canonicalID
		}
		ranges[id] = cr
	}

	return &canonical{
		ranges:      ranges,
		definitions: s.definitions,
		references:  mergedReferences,
	}
}

// chainAttributes walks the next chain starting at id. The nearest hop
// carrying each result kind wins; monikers accumulate along the chain and
// are then expanded across nextMoniker links.
func chainAttributes(s *state, id lsif.ID) (def, ref, hover lsif.ID, monikers []lsif.ID) {
	seenMonikers := map[lsif.ID]struct{}{}
	visited := map[lsif.ID]struct{}{}

	for current := id; ; {
		if _, ok := visited[current]; ok {
			break
		}
		visited[current] = struct{}{}

		if def == "" {
			def = s.definitionResult[current]
		}
		if ref == "" {
			ref = s.referenceResult[current]
		}
		if hover == "" {
			hover = s.hoverResult[current]
		}
		for _, m := range s.attachedMonikers[current] {
			for _, linked := range expandMonikers(s, m) {
				if _, ok := seenMonikers[linked]; !ok {
					seenMonikers[linked] = struct{}{}
					monikers = append(monikers, linked)
				}
			}
		}

		next, ok := s.next[current]
		if !ok {
			break
		}
		current = next
	}
	return def, ref, hover, monikers
}

// expandMonikers returns the connected component of a moniker under
// nextMoniker links, starting with the moniker itself.
func expandMonikers(s *state, id lsif.ID) []lsif.ID {
	component := []lsif.ID{id}
	seen := map[lsif.ID]struct{}{id: {}}
	for i := 0; i < len(component); i++ {
		for _, linked := range s.linkedMonikers[component[i]] {
			if _, ok := seen[linked]; !ok {
				seen[linked] = struct{}{}
				component = append(component, linked)
			}
		}
	}
	return component
}

// mergeLinkedReferences unions the member sets of reference results joined
// by item edges of property referenceResults. It returns a map from every
// merged result id to its component's canonical id, plus the merged member
// sets keyed by canonical id.
func mergeLinkedReferences(s *state) (map[lsif.ID]lsif.ID, map[lsif.ID]memberSet) {
	refCanonical := make(map[lsif.ID]lsif.ID)
	merged := make(map[lsif.ID]memberSet, len(s.references))

	visited := map[lsif.ID]struct{}{}
	for id := range s.references {
		if _, ok := visited[id]; ok {
			continue
		}

		// Collect the component with a worklist.
		component := []lsif.ID{id}
		visited[id] = struct{}{}
		for i := 0; i < len(component); i++ {
			for _, linked := range s.linkedReferences[component[i]] {
				if _, ok := visited[linked]; !ok {
					visited[linked] = struct{}{}
					component = append(component, linked)
				}
			}
		}

		if len(component) == 1 {
			merged[id] = s.references[id]
			continue
		}

		union := memberSet{}
		seen := map[lsif.ID]map[lsif.ID]struct{}{}
		for _, member := range component {
			refCanonical[member] = id
			for doc, rangeIDs := range s.references[member] {
				if seen[doc] == nil {
					seen[doc] = map[lsif.ID]struct{}{}
				}
				for _, rangeID := range rangeIDs {
					if _, ok := seen[doc][rangeID]; !ok {
						seen[doc][rangeID] = struct{}{}
						union[doc] = append(union[doc], rangeID)
					}
				}
			}
		}
		merged[id] = union
	}
	return refCanonical, merged
}
