package importer

import (
	"sort"

	"lsifd/internal/lsif"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

const (
	// resultsPerResultChunk is the target number of results per chunk.
	resultsPerResultChunk = 512
	// maxNumResultChunks bounds the chunk count for very large dumps.
	maxNumResultChunks = 1000
)

// bundle is everything the emit pass produces: the dump database contents
// plus the cross-repository rows.
type bundle struct {
	meta              storage.MetaData
	documents         map[string]storage.DocumentData
	resultChunks      map[int]storage.ResultChunkData
	definitionRows    []storage.MonikerLocation
	referenceRows     []storage.MonikerLocation
	packages          []xrepo.Package
	packageReferences []xrepo.PackageReference
}

// allocator hands out dense ids, one namespace per element kind.
type allocator struct {
	next storage.ID
	ids  map[lsif.ID]storage.ID
}

func newAllocator() *allocator {
	return &allocator{next: 1, ids: map[lsif.ID]storage.ID{}}
}

func (a *allocator) get(id lsif.ID) storage.ID {
	if dense, ok := a.ids[id]; ok {
		return dense
	}
	dense := a.next
	a.next++
	a.ids[id] = dense
	return dense
}

func (a *allocator) lookup(id lsif.ID) (storage.ID, bool) {
	dense, ok := a.ids[id]
	return dense, ok
}

// emit assigns dense ids and lays the canonical graph out as document
// blobs, result chunks, and moniker rows.
func emit(s *state, c *canonical) *bundle {
	docAlloc := newAllocator()
	rangeAlloc := newAllocator()
	resultAlloc := newAllocator()
	hoverAlloc := newAllocator()
	monikerAlloc := newAllocator()
	pkgInfoAlloc := newAllocator()

	// Documents in path order for stable dense ids.
	docIDs := make([]lsif.ID, 0, len(s.documents))
	for id := range s.documents {
		docIDs = append(docIDs, id)
	}
	sort.Slice(docIDs, func(i, j int) bool { return s.documents[docIDs[i]] < s.documents[docIDs[j]] })
	for _, id := range docIDs {
		docAlloc.get(id)
	}

	// Ranges in containment order; a range listed twice keeps one id.
	for _, docID := range docIDs {
		for _, rangeID := range s.contains[docID] {
			rangeAlloc.get(rangeID)
		}
	}

	// Dense ids for every result still referenced by a range.
	for _, docID := range docIDs {
		for _, rangeID := range s.contains[docID] {
			cr := c.ranges[rangeID]
			if cr.definitionResult != "" {
				resultAlloc.get(cr.definitionResult)
			}
			if cr.referenceResult != "" {
				resultAlloc.get(cr.referenceResult)
			}
		}
	}
	numResults := len(resultAlloc.ids)

	numResultChunks := (numResults + resultsPerResultChunk - 1) / resultsPerResultChunk
	if numResultChunks > maxNumResultChunks {
		numResultChunks = maxNumResultChunks
	}
	if numResultChunks < 1 {
		numResultChunks = 1
	}

	documents := make(map[string]storage.DocumentData, len(docIDs))
	for _, docID := range docIDs {
		documents[s.documents[docID]] = emitDocument(s, c, docID, rangeAlloc, resultAlloc, hoverAlloc, monikerAlloc, pkgInfoAlloc)
	}

	resultChunks := emitResultChunks(s, c, numResultChunks, docAlloc, rangeAlloc, resultAlloc)
	definitionRows, referenceRows := emitMonikerRows(s, c, docIDs)
	packages, packageReferences := emitCrossRepo(s)

	return &bundle{
		meta: storage.MetaData{
			LSIFVersion:     s.lsifVersion,
			EncodingVersion: storage.CurrentEncodingVersion,
			NumResultChunks: numResultChunks,
		},
		documents:         documents,
		resultChunks:      resultChunks,
		definitionRows:    definitionRows,
		referenceRows:     referenceRows,
		packages:          packages,
		packageReferences: packageReferences,
	}
}

func emitDocument(s *state, c *canonical, docID lsif.ID, rangeAlloc, resultAlloc, hoverAlloc, monikerAlloc, pkgInfoAlloc *allocator) storage.DocumentData {
	doc := storage.DocumentData{
		Ranges:             map[storage.ID]storage.RangeData{},
		HoverResults:       map[storage.ID]string{},
		Monikers:           map[storage.ID]storage.MonikerData{},
		PackageInformation: map[storage.ID]storage.PackageInformationData{},
	}

	for _, rangeID := range s.contains[docID] {
		denseRangeID := rangeAlloc.get(rangeID)
		if _, ok := doc.Ranges[denseRangeID]; ok {
			continue
		}
		cr := c.ranges[rangeID]

		data := storage.RangeData{
			StartLine:      cr.rng.Start.Line,
			StartCharacter: cr.rng.Start.Character,
			EndLine:        cr.rng.End.Line,
			EndCharacter:   cr.rng.End.Character,
		}
		if cr.definitionResult != "" {
			data.DefinitionResultID = resultAlloc.get(cr.definitionResult)
		}
		if cr.referenceResult != "" {
			data.ReferenceResultID = resultAlloc.get(cr.referenceResult)
		}
		if cr.hoverResult != "" {
			denseHoverID := hoverAlloc.get(cr.hoverResult)
			data.HoverResultID = denseHoverID
			doc.HoverResults[denseHoverID] = s.hovers[cr.hoverResult]
		}
		for _, monikerID := range cr.monikers {
			moniker := s.monikers[monikerID]
			denseMonikerID := monikerAlloc.get(monikerID)
			data.MonikerIDs = append(data.MonikerIDs, denseMonikerID)

			monikerData := storage.MonikerData{
				Kind:       moniker.Kind,
				Scheme:     moniker.Scheme,
				Identifier: moniker.Identifier,
			}
			if pkgInfoID, ok := s.packageInfoOf[monikerID]; ok {
				densePkgID := pkgInfoAlloc.get(pkgInfoID)
				monikerData.PackageInformationID = densePkgID
				info := s.packageInfos[pkgInfoID]
				doc.PackageInformation[densePkgID] = storage.PackageInformationData{
					Name:    info.Name,
					Version: info.Version,
				}
			}
			doc.Monikers[denseMonikerID] = monikerData
		}
		doc.Ranges[denseRangeID] = data
	}
	return doc
}

func emitResultChunks(s *state, c *canonical, numResultChunks int, docAlloc, rangeAlloc, resultAlloc *allocator) map[int]storage.ResultChunkData {
	chunks := make(map[int]storage.ResultChunkData, numResultChunks)
	chunk := func(idx int) storage.ResultChunkData {
		if existing, ok := chunks[idx]; ok {
			return existing
		}
		created := storage.ResultChunkData{
			DocumentPaths:      map[storage.ID]string{},
			DocumentIDRangeIDs: map[storage.ID][]storage.DocumentIDRangeID{},
		}
		chunks[idx] = created
		return created
	}

	addMembers := func(resultID lsif.ID, members memberSet) {
		denseResultID, ok := resultAlloc.lookup(resultID)
		if !ok {
			// Result never reached from a range; nothing will query it.
			return
		}
		target := chunk(storage.ResultChunkIndex(denseResultID, numResultChunks))
		for docID, rangeIDs := range members {
			denseDocID, ok := docAlloc.lookup(docID)
			if !ok {
				continue
			}
			target.DocumentPaths[denseDocID] = s.documents[docID]
			for _, rangeID := range rangeIDs {
				denseRangeID, ok := rangeAlloc.lookup(rangeID)
				if !ok {
					continue
				}
				target.DocumentIDRangeIDs[denseResultID] = append(target.DocumentIDRangeIDs[denseResultID], storage.DocumentIDRangeID{
					DocumentID: denseDocID,
					RangeID:    denseRangeID,
				})
			}
		}
	}

	for resultID, members := range c.definitions {
		addMembers(resultID, members)
	}
	for resultID, members := range c.references {
		addMembers(resultID, members)
	}
	return chunks
}

// emitMonikerRows produces the definitions and references tables. A range
// contributes a row for a moniker only when the range itself is a member of
// its own result, so use sites never appear in the definitions table.
func emitMonikerRows(s *state, c *canonical, docIDs []lsif.ID) (definitionRows, referenceRows []storage.MonikerLocation) {
	for _, docID := range docIDs {
		path := s.documents[docID]
		for _, rangeID := range s.contains[docID] {
			cr := c.ranges[rangeID]
			if len(cr.monikers) == 0 {
				continue
			}
			isDefinition := cr.definitionResult != "" && memberContains(c.definitions[cr.definitionResult], docID, rangeID)
			isReference := cr.referenceResult != "" && memberContains(c.references[cr.referenceResult], docID, rangeID)
			if !isDefinition && !isReference {
				continue
			}

			for _, monikerID := range cr.monikers {
				moniker := s.monikers[monikerID]
				row := storage.MonikerLocation{
					Scheme:         moniker.Scheme,
					Identifier:     moniker.Identifier,
					Path:           path,
					StartLine:      cr.rng.Start.Line,
					StartCharacter: cr.rng.Start.Character,
					EndLine:        cr.rng.End.Line,
					EndCharacter:   cr.rng.End.Character,
				}
				if isDefinition {
					definitionRows = append(definitionRows, row)
				}
				if isReference {
					referenceRows = append(referenceRows, row)
				}
			}
		}
	}
	return definitionRows, referenceRows
}

func memberContains(members memberSet, docID, rangeID lsif.ID) bool {
	for _, member := range members[docID] {
		if member == rangeID {
			return true
		}
	}
	return false
}

// emitCrossRepo collects the exported packages and the imported packages
// with their identifier filters.
func emitCrossRepo(s *state) ([]xrepo.Package, []xrepo.PackageReference) {
	monikerIDs := make([]lsif.ID, 0, len(s.monikers))
	for id := range s.monikers {
		monikerIDs = append(monikerIDs, id)
	}
	sort.Slice(monikerIDs, func(i, j int) bool { return monikerIDs[i] < monikerIDs[j] })

	seenPackages := map[xrepo.Package]struct{}{}
	var packages []xrepo.Package
	importedIdentifiers := map[xrepo.Package][]string{}
	var importOrder []xrepo.Package

	for _, monikerID := range monikerIDs {
		moniker := s.monikers[monikerID]
		pkgInfoID, ok := s.packageInfoOf[monikerID]
		if !ok {
			continue
		}
		info := s.packageInfos[pkgInfoID]
		pkg := xrepo.Package{Scheme: moniker.Scheme, Name: info.Name, Version: info.Version}

		switch moniker.Kind {
		case "export":
			if _, ok := seenPackages[pkg]; !ok {
				seenPackages[pkg] = struct{}{}
				packages = append(packages, pkg)
			}
		case "import":
			if _, ok := importedIdentifiers[pkg]; !ok {
				importOrder = append(importOrder, pkg)
			}
			importedIdentifiers[pkg] = append(importedIdentifiers[pkg], moniker.Identifier)
		}
	}

	references := make([]xrepo.PackageReference, 0, len(importOrder))
	for _, pkg := range importOrder {
		references = append(references, xrepo.PackageReference{
			Package: pkg,
			Filter:  xrepo.NewFilter(importedIdentifiers[pkg]),
		})
	}
	return packages, references
}
