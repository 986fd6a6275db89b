package importer

import (
	"strings"

	"lsifd/internal/errors"
	"lsifd/internal/lsif"
)

// memberSet maps a document id to the range ids a result names in it.
type memberSet map[lsif.ID][]lsif.ID

// state is the correlation arena built during the ingest pass. Everything
// is keyed by the source's opaque element ids; dense ids are assigned only
// at emit time.
type state struct {
	lsifVersion string
	projectRoot string
	sawMetaData bool

	documents    map[lsif.ID]string
	ranges       map[lsif.ID]lsif.Range
	resultSets   map[lsif.ID]struct{}
	definitions  map[lsif.ID]memberSet
	references   map[lsif.ID]memberSet
	hovers       map[lsif.ID]string
	monikers     map[lsif.ID]lsif.Moniker
	packageInfos map[lsif.ID]lsif.PackageInformation

	contains         map[lsif.ID][]lsif.ID
	next             map[lsif.ID]lsif.ID
	definitionResult map[lsif.ID]lsif.ID
	referenceResult  map[lsif.ID]lsif.ID
	hoverResult      map[lsif.ID]lsif.ID
	attachedMonikers map[lsif.ID][]lsif.ID
	linkedMonikers   map[lsif.ID][]lsif.ID
	packageInfoOf    map[lsif.ID]lsif.ID
	linkedReferences map[lsif.ID][]lsif.ID
}

func newState() *state {
	return &state{
		documents:        map[lsif.ID]string{},
		ranges:           map[lsif.ID]lsif.Range{},
		resultSets:       map[lsif.ID]struct{}{},
		definitions:      map[lsif.ID]memberSet{},
		references:       map[lsif.ID]memberSet{},
		hovers:           map[lsif.ID]string{},
		monikers:         map[lsif.ID]lsif.Moniker{},
		packageInfos:     map[lsif.ID]lsif.PackageInformation{},
		contains:         map[lsif.ID][]lsif.ID{},
		next:             map[lsif.ID]lsif.ID{},
		definitionResult: map[lsif.ID]lsif.ID{},
		referenceResult:  map[lsif.ID]lsif.ID{},
		hoverResult:      map[lsif.ID]lsif.ID{},
		attachedMonikers: map[lsif.ID][]lsif.ID{},
		linkedMonikers:   map[lsif.ID][]lsif.ID{},
		packageInfoOf:    map[lsif.ID]lsif.ID{},
		linkedReferences: map[lsif.ID][]lsif.ID{},
	}
}

// isResultTarget reports whether id names a range or result set, the two
// vertex kinds that can carry results and monikers.
func (s *state) isResultTarget(id lsif.ID) bool {
	if _, ok := s.ranges[id]; ok {
		return true
	}
	_, ok := s.resultSets[id]
	return ok
}

// insert applies one element to the arena. The first element must be the
// metaData vertex.
func (s *state) insert(element lsif.Element) error {
	if !s.sawMetaData && !(element.Type == lsif.TypeVertex && element.Label == lsif.VertexMetaData) {
		return errors.New(errors.MalformedInput, "metaData must be the first element")
	}

	if element.Type == lsif.TypeVertex {
		return s.insertVertex(element)
	}
	return s.insertEdge(element)
}

func (s *state) insertVertex(element lsif.Element) error {
	switch element.Label {
	case lsif.VertexMetaData:
		if s.sawMetaData {
			return errors.New(errors.MalformedInput, "duplicate metaData vertex")
		}
		if !lsif.SupportedVersion(element.MetaData.Version) {
			return errors.Newf(errors.UnsupportedVersion, "unsupported LSIF version %q", element.MetaData.Version)
		}
		s.sawMetaData = true
		s.lsifVersion = element.MetaData.Version
		s.projectRoot = element.MetaData.ProjectRoot
	case lsif.VertexDocument:
		s.documents[element.ID] = s.normalizePath(element.Document.URI)
	case lsif.VertexRange:
		s.ranges[element.ID] = *element.Range
	case lsif.VertexResultSet:
		s.resultSets[element.ID] = struct{}{}
	case lsif.VertexDefinitionResult:
		s.definitions[element.ID] = memberSet{}
	case lsif.VertexReferenceResult:
		s.references[element.ID] = memberSet{}
	case lsif.VertexHoverResult:
		s.hovers[element.ID] = element.HoverResult.Text
	case lsif.VertexMoniker:
		s.monikers[element.ID] = *element.Moniker
	case lsif.VertexPackageInformation:
		s.packageInfos[element.ID] = *element.PackageInformation
	}
	return nil
}

func (s *state) insertEdge(element lsif.Element) error {
	edge := element.Edge

	switch element.Label {
	case lsif.EdgeContains:
		// Only document membership matters; a project-level contains
		// edge has an out-vertex that is not a document.
		if _, ok := s.documents[edge.OutV]; !ok {
			return nil
		}
		for _, inV := range edge.InVs {
			if _, ok := s.ranges[inV]; !ok {
				return errors.Newf(errors.DanglingReference, "contains edge %s names unknown range %s", element.ID, inV)
			}
		}
		s.contains[edge.OutV] = append(s.contains[edge.OutV], edge.InVs...)

	case lsif.EdgeNext:
		inV, err := s.singleTarget(element)
		if err != nil {
			return err
		}
		if !s.isResultTarget(edge.OutV) {
			return errors.Newf(errors.DanglingReference, "next edge %s from unknown vertex %s", element.ID, edge.OutV)
		}
		if _, ok := s.resultSets[inV]; !ok {
			return errors.Newf(errors.DanglingReference, "next edge %s names unknown result set %s", element.ID, inV)
		}
		s.next[edge.OutV] = inV

	case lsif.EdgeItem:
		return s.insertItemEdge(element)

	case lsif.EdgeDefinition:
		return s.attachResult(element, s.definitionResult, s.definitions)

	case lsif.EdgeReferences:
		return s.attachResult(element, s.referenceResult, s.references)

	case lsif.EdgeHover:
		inV, err := s.singleTarget(element)
		if err != nil {
			return err
		}
		if !s.isResultTarget(edge.OutV) {
			return errors.Newf(errors.DanglingReference, "hover edge %s from unknown vertex %s", element.ID, edge.OutV)
		}
		if _, ok := s.hovers[inV]; !ok {
			return errors.Newf(errors.DanglingReference, "hover edge %s names unknown hover result %s", element.ID, inV)
		}
		s.hoverResult[edge.OutV] = inV

	case lsif.EdgeMoniker:
		inV, err := s.singleTarget(element)
		if err != nil {
			return err
		}
		if !s.isResultTarget(edge.OutV) {
			return errors.Newf(errors.DanglingReference, "moniker edge %s from unknown vertex %s", element.ID, edge.OutV)
		}
		if _, ok := s.monikers[inV]; !ok {
			return errors.Newf(errors.DanglingReference, "moniker edge %s names unknown moniker %s", element.ID, inV)
		}
		s.attachedMonikers[edge.OutV] = append(s.attachedMonikers[edge.OutV], inV)

	case lsif.EdgeNextMoniker:
		inV, err := s.singleTarget(element)
		if err != nil {
			return err
		}
		if _, ok := s.monikers[edge.OutV]; !ok {
			return errors.Newf(errors.DanglingReference, "nextMoniker edge %s from unknown moniker %s", element.ID, edge.OutV)
		}
		if _, ok := s.monikers[inV]; !ok {
			return errors.Newf(errors.DanglingReference, "nextMoniker edge %s names unknown moniker %s", element.ID, inV)
		}
		s.linkedMonikers[edge.OutV] = append(s.linkedMonikers[edge.OutV], inV)
		s.linkedMonikers[inV] = append(s.linkedMonikers[inV], edge.OutV)

	case lsif.EdgePackageInformation:
		inV, err := s.singleTarget(element)
		if err != nil {
			return err
		}
		if _, ok := s.monikers[edge.OutV]; !ok {
			return errors.Newf(errors.DanglingReference, "packageInformation edge %s from unknown moniker %s", element.ID, edge.OutV)
		}
		if _, ok := s.packageInfos[inV]; !ok {
			return errors.Newf(errors.DanglingReference, "packageInformation edge %s names unknown vertex %s", element.ID, inV)
		}
		s.packageInfoOf[edge.OutV] = inV
	}
	return nil
}

// insertItemEdge attaches result members, or links reference results when
// the property says so.
func (s *state) insertItemEdge(element lsif.Element) error {
	edge := element.Edge

	if edge.Property == lsif.ItemPropertyReferenceResults {
		if _, ok := s.references[edge.OutV]; !ok {
			return errors.Newf(errors.DanglingReference, "item edge %s from unknown reference result %s", element.ID, edge.OutV)
		}
		for _, inV := range edge.InVs {
			if _, ok := s.references[inV]; !ok {
				return errors.Newf(errors.DanglingReference, "item edge %s names unknown reference result %s", element.ID, inV)
			}
			s.linkedReferences[edge.OutV] = append(s.linkedReferences[edge.OutV], inV)
			s.linkedReferences[inV] = append(s.linkedReferences[inV], edge.OutV)
		}
		return nil
	}

	switch edge.Property {
	case "", lsif.ItemPropertyDefinitions, lsif.ItemPropertyReferences:
	default:
		return errors.Newf(errors.MalformedInput, "item edge %s has unknown property %q", element.ID, edge.Property)
	}

	if _, ok := s.documents[edge.Document]; !ok {
		return errors.Newf(errors.DanglingReference, "item edge %s names unknown document %s", element.ID, edge.Document)
	}

	var members memberSet
	if m, ok := s.definitions[edge.OutV]; ok {
		members = m
	} else if m, ok := s.references[edge.OutV]; ok {
		members = m
	} else {
		return errors.Newf(errors.DanglingReference, "item edge %s from unknown result %s", element.ID, edge.OutV)
	}

	for _, inV := range edge.InVs {
		if _, ok := s.ranges[inV]; !ok {
			return errors.Newf(errors.DanglingReference, "item edge %s names unknown range %s", element.ID, inV)
		}
		members[edge.Document] = append(members[edge.Document], inV)
	}
	return nil
}

// attachResult handles textDocument/definition and textDocument/references
// edges.
func (s *state) attachResult(element lsif.Element, attach map[lsif.ID]lsif.ID, results map[lsif.ID]memberSet) error {
	inV, err := s.singleTarget(element)
	if err != nil {
		return err
	}
	if !s.isResultTarget(element.Edge.OutV) {
		return errors.Newf(errors.DanglingReference, "%s edge %s from unknown vertex %s", element.Label, element.ID, element.Edge.OutV)
	}
	if _, ok := results[inV]; !ok {
		return errors.Newf(errors.DanglingReference, "%s edge %s names unknown result %s", element.Label, element.ID, inV)
	}
	attach[element.Edge.OutV] = inV
	return nil
}

func (s *state) singleTarget(element lsif.Element) (lsif.ID, error) {
	if len(element.Edge.InVs) != 1 {
		return "", errors.Newf(errors.MalformedInput, "%s edge %s must have exactly one target", element.Label, element.ID)
	}
	return element.Edge.InVs[0], nil
}

// normalizePath strips the project root prefix from a document URI so that
// stored paths are dump-relative.
func (s *state) normalizePath(uri string) string {
	root := s.projectRoot
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return strings.TrimPrefix(uri, root)
}
