// Package lsif defines the wire format of LSIF dumps: the vertex and edge
// elements of the graph, their JSON decoding, and per-line validation.
package lsif

import (
	"encoding/json"
	"strings"

	"lsifd/internal/errors"
)

// ID is an element identifier as it appears in the source. The format
// allows both JSON numbers and strings; both are kept as their textual form
// so they can key maps uniformly.
type ID string

// UnmarshalJSON accepts a number or a string.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Element types.
const (
	TypeVertex = "vertex"
	TypeEdge   = "edge"
)

// Vertex labels.
const (
	VertexMetaData           = "metaData"
	VertexDocument           = "document"
	VertexRange              = "range"
	VertexResultSet          = "resultSet"
	VertexDefinitionResult   = "definitionResult"
	VertexReferenceResult    = "referenceResult"
	VertexHoverResult        = "hoverResult"
	VertexMoniker            = "moniker"
	VertexPackageInformation = "packageInformation"
)

// Edge labels.
const (
	EdgeContains           = "contains"
	EdgeNext               = "next"
	EdgeItem               = "item"
	EdgeDefinition         = "textDocument/definition"
	EdgeReferences         = "textDocument/references"
	EdgeHover              = "textDocument/hover"
	EdgeMoniker            = "moniker"
	EdgeNextMoniker        = "nextMoniker"
	EdgePackageInformation = "packageInformation"
)

// Item edge properties.
const (
	ItemPropertyDefinitions      = "definitions"
	ItemPropertyReferences       = "references"
	ItemPropertyReferenceResults = "referenceResults"
)

// Element is one decoded line of an LSIF dump. At most one of the payload
// fields is populated, chosen by Type and Label; labels that carry no data
// of their own (resultSet, definitionResult, ...) populate none.
type Element struct {
	ID    ID     `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`

	MetaData           *MetaData
	Document           *Document
	Range              *Range
	HoverResult        *HoverResult
	Moniker            *Moniker
	PackageInformation *PackageInformation
	Edge               *Edge
}

// MetaData is the first vertex of every dump.
type MetaData struct {
	Version     string `json:"version"`
	ProjectRoot string `json:"projectRoot"`
}

// Document is a document vertex.
type Document struct {
	URI string `json:"uri"`
}

// Position is a zero-based line/character pair.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a range vertex. The end position is half-open on the character.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// HoverResult carries normalized hover text.
type HoverResult struct {
	Text string
}

// Moniker is a moniker vertex.
type Moniker struct {
	Kind       string `json:"kind"`
	Scheme     string `json:"scheme"`
	Identifier string `json:"identifier"`
}

// PackageInformation names a package and version.
type PackageInformation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Edge connects one out-vertex to one or more in-vertices. Single-target
// edges populate InVs with one element. Item edges additionally carry the
// owning document and an optional property.
type Edge struct {
	OutV     ID
	InVs     []ID
	Document ID
	Property string
}

// envelope is the label-independent part of a line.
type envelope struct {
	ID    ID     `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

type rawEdge struct {
	OutV     ID     `json:"outV"`
	InV      ID     `json:"inV"`
	InVs     []ID   `json:"inVs"`
	Document ID     `json:"document"`
	Property string `json:"property"`
}

type rawHover struct {
	Result struct {
		Contents json.RawMessage `json:"contents"`
	} `json:"result"`
}

// ParseElement decodes one line of a dump. Unknown labels decode to an
// Element with no payload; callers ignore them.
func ParseElement(line []byte) (Element, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Element{}, errors.Wrap(errors.MalformedInput, "invalid JSON", err)
	}
	if env.Type != TypeVertex && env.Type != TypeEdge {
		return Element{}, errors.Newf(errors.MalformedInput, "unknown element type %q", env.Type)
	}

	element := Element{ID: env.ID, Type: env.Type, Label: env.Label}

	if env.Type == TypeEdge {
		var raw rawEdge
		if err := json.Unmarshal(line, &raw); err != nil {
			return Element{}, errors.Wrap(errors.MalformedInput, "invalid edge", err)
		}
		edge := &Edge{OutV: raw.OutV, InVs: raw.InVs, Document: raw.Document, Property: raw.Property}
		if len(edge.InVs) == 0 && raw.InV != "" {
			edge.InVs = []ID{raw.InV}
		}
		element.Edge = edge
		return element, nil
	}

	switch env.Label {
	case VertexMetaData:
		var v MetaData
		if err := json.Unmarshal(line, &v); err != nil {
			return Element{}, errors.Wrap(errors.MalformedInput, "invalid metaData vertex", err)
		}
		element.MetaData = &v
	case VertexDocument:
		var v Document
		if err := json.Unmarshal(line, &v); err != nil {
			return Element{}, errors.Wrap(errors.MalformedInput, "invalid document vertex", err)
		}
		element.Document = &v
	case VertexRange:
		var v Range
		if err := json.Unmarshal(line, &v); err != nil {
			return Element{}, errors.Wrap(errors.MalformedInput, "invalid range vertex", err)
		}
		element.Range = &v
	case VertexHoverResult:
		var raw rawHover
		if err := json.Unmarshal(line, &raw); err != nil {
			return Element{}, errors.Wrap(errors.MalformedInput, "invalid hoverResult vertex", err)
		}
		text, err := normalizeHover(raw.Result.Contents)
		if err != nil {
			return Element{}, err
		}
		element.HoverResult = &HoverResult{Text: text}
	case VertexMoniker:
		var v Moniker
		if err := json.Unmarshal(line, &v); err != nil {
			return Element{}, errors.Wrap(errors.MalformedInput, "invalid moniker vertex", err)
		}
		element.Moniker = &v
	case VertexPackageInformation:
		var v PackageInformation
		if err := json.Unmarshal(line, &v); err != nil {
			return Element{}, errors.Wrap(errors.MalformedInput, "invalid packageInformation vertex", err)
		}
		element.PackageInformation = &v
	}
	return element, nil
}

// normalizeHover flattens the hover contents union (string, marked string
// object, markup content, or an array of those) into markdown text.
func normalizeHover(contents json.RawMessage) (string, error) {
	if len(contents) == 0 {
		return "", nil
	}

	var parts []json.RawMessage
	if contents[0] == '[' {
		if err := json.Unmarshal(contents, &parts); err != nil {
			return "", errors.Wrap(errors.MalformedInput, "invalid hover contents", err)
		}
	} else {
		parts = []json.RawMessage{contents}
	}

	rendered := make([]string, 0, len(parts))
	for _, part := range parts {
		text, err := normalizeHoverPart(part)
		if err != nil {
			return "", err
		}
		if text != "" {
			rendered = append(rendered, text)
		}
	}
	return strings.Join(rendered, "\n\n---\n\n"), nil
}

func normalizeHoverPart(part json.RawMessage) (string, error) {
	if len(part) > 0 && part[0] == '"' {
		var s string
		if err := json.Unmarshal(part, &s); err != nil {
			return "", errors.Wrap(errors.MalformedInput, "invalid hover contents", err)
		}
		return s, nil
	}

	var obj struct {
		Kind     string `json:"kind"`
		Language string `json:"language"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(part, &obj); err != nil {
		return "", errors.Wrap(errors.MalformedInput, "invalid hover contents", err)
	}
	if obj.Language != "" {
		return "```" + obj.Language + "\n" + obj.Value + "\n```", nil
	}
	return obj.Value, nil
}

// SupportedVersion reports whether an LSIF version is within the accepted
// range.
func SupportedVersion(version string) bool {
	return version == "0.4" || strings.HasPrefix(version, "0.4.")
}

// ValidateLine parses one line and checks the structural constraints the
// upload endpoint enforces before accepting a dump. The parsed element is
// returned so callers can make stream-level checks of their own.
func ValidateLine(line []byte) (Element, error) {
	element, err := ParseElement(line)
	if err != nil {
		return Element{}, err
	}

	switch element.Type {
	case TypeEdge:
		if element.Edge.OutV == "" {
			return Element{}, errors.New(errors.MalformedInput, "edge missing outV")
		}
		if len(element.Edge.InVs) == 0 {
			return Element{}, errors.New(errors.MalformedInput, "edge missing inV")
		}
	case TypeVertex:
		switch element.Label {
		case VertexMetaData:
			if !SupportedVersion(element.MetaData.Version) {
				return Element{}, errors.Newf(errors.UnsupportedVersion, "unsupported LSIF version %q", element.MetaData.Version)
			}
		case VertexDocument:
			if element.Document.URI == "" {
				return Element{}, errors.New(errors.MalformedInput, "document missing uri")
			}
		case VertexRange:
			r := element.Range
			if r.Start.Line < 0 || r.Start.Character < 0 || r.End.Line < 0 || r.End.Character < 0 {
				return Element{}, errors.New(errors.MalformedInput, "range with negative position")
			}
		case VertexMoniker:
			if element.Moniker.Scheme == "" || element.Moniker.Identifier == "" {
				return Element{}, errors.New(errors.MalformedInput, "moniker missing scheme or identifier")
			}
		}
	}
	return element, nil
}
