// Package plan defines the canonical treatment-plan document and the
// diff and three-way merge engines that operate on it.
package plan

import (
	"bytes"
	"encoding/json"
	"time"
)

// Item is one identified entry in a collection section. ID is stable
// across versions; Attrs is opaque clinical content compared structurally.
type Item struct {
	ID    string          `json:"id"`
	Attrs json.RawMessage `json:"attrs,omitempty"`
}

// Document is the canonical section-based representation of a treatment
// plan. It is the source of truth for diff and merge; the therapist and
// client views are projections derived from it.
type Document struct {
	Goals             []Item          `json:"goals,omitempty"`
	Interventions     []Item          `json:"interventions,omitempty"`
	Homework          []Item          `json:"homework,omitempty"`
	Diagnoses         []Item          `json:"diagnoses,omitempty"`
	RiskFactors       []Item          `json:"riskFactors,omitempty"`
	ClinicalSummary   json.RawMessage `json:"clinicalSummary,omitempty"`
	CrisisAssessment  json.RawMessage `json:"crisisAssessment,omitempty"`
	SessionReferences []string        `json:"sessionReferences,omitempty"`
	Version           int             `json:"version,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt,omitzero"`
}

type SectionKind int

const (
	KindCollection SectionKind = iota
	KindScalar
	KindIDSet
)

// Section describes one named part of the canonical document. The fixed
// table below keeps the diff and merge loops exhaustive over every section.
type Section struct {
	Name   string
	Kind   SectionKind
	items  func(*Document) *[]Item
	scalar func(*Document) *json.RawMessage
	ids    func(*Document) *[]string
}

func sections() []Section {
	return []Section{
		{Name: "goals", Kind: KindCollection, items: func(d *Document) *[]Item { return &d.Goals }},
		{Name: "interventions", Kind: KindCollection, items: func(d *Document) *[]Item { return &d.Interventions }},
		{Name: "homework", Kind: KindCollection, items: func(d *Document) *[]Item { return &d.Homework }},
		{Name: "diagnoses", Kind: KindCollection, items: func(d *Document) *[]Item { return &d.Diagnoses }},
		{Name: "riskFactors", Kind: KindCollection, items: func(d *Document) *[]Item { return &d.RiskFactors }},
		{Name: "clinicalSummary", Kind: KindScalar, scalar: func(d *Document) *json.RawMessage { return &d.ClinicalSummary }},
		{Name: "crisisAssessment", Kind: KindScalar, scalar: func(d *Document) *json.RawMessage { return &d.CrisisAssessment }},
		{Name: "sessionReferences", Kind: KindIDSet, ids: func(d *Document) *[]string { return &d.SessionReferences }},
	}
}

// SectionNames lists every canonical section in table order.
func SectionNames() []string {
	specs := sections()
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return names
}

// IsSectionName reports whether name is a known canonical section.
func IsSectionName(name string) bool {
	for _, spec := range sections() {
		if spec.Name == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
	}
	out.Goals = cloneItems(d.Goals)
	out.Interventions = cloneItems(d.Interventions)
	out.Homework = cloneItems(d.Homework)
	out.Diagnoses = cloneItems(d.Diagnoses)
	out.RiskFactors = cloneItems(d.RiskFactors)
	out.ClinicalSummary = cloneRaw(d.ClinicalSummary)
	out.CrisisAssessment = cloneRaw(d.CrisisAssessment)
	if d.SessionReferences != nil {
		out.SessionReferences = append([]string(nil), d.SessionReferences...)
	}
	return out
}

// DuplicateItemIDs reports, per section, identifiers appearing more than
// once. Diff and merge assume unique identifiers within each section, so
// write boundaries must reject any document where this is non-empty.
func DuplicateItemIDs(d Document) map[string][]string {
	dupes := make(map[string][]string)
	for _, spec := range sections() {
		var ids []string
		switch spec.Kind {
		case KindCollection:
			for _, item := range *spec.items(&d) {
				ids = append(ids, item.ID)
			}
		case KindIDSet:
			ids = *spec.ids(&d)
		default:
			continue
		}
		counts := make(map[string]int, len(ids))
		for _, id := range ids {
			counts[id]++
		}
		reported := make(map[string]bool)
		for _, id := range ids {
			if counts[id] > 1 && !reported[id] {
				dupes[spec.Name] = append(dupes[spec.Name], id)
				reported[id] = true
			}
		}
	}
	return dupes
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = Item{ID: item.ID, Attrs: cloneRaw(item.Attrs)}
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// normalizeValue re-marshals a JSON value so that structurally identical
// payloads compare byte-equal regardless of key order or whitespace.
func normalizeValue(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return append([]byte(nil), raw...)
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return append([]byte(nil), raw...)
	}
	return normalized
}

func equalValues(a, b json.RawMessage) bool {
	return bytes.Equal(normalizeValue(a), normalizeValue(b))
}

func equalItems(a, b Item) bool {
	return a.ID == b.ID && equalValues(a.Attrs, b.Attrs)
}

func indexItems(items []Item) map[string]Item {
	index := make(map[string]Item, len(items))
	for _, item := range items {
		index[item.ID] = item
	}
	return index
}

// TherapistView is the full projection shown to the authoring clinician.
type TherapistView struct {
	Goals             []Item          `json:"goals"`
	Interventions     []Item          `json:"interventions"`
	Homework          []Item          `json:"homework"`
	Diagnoses         []Item          `json:"diagnoses"`
	RiskFactors       []Item          `json:"riskFactors"`
	ClinicalSummary   json.RawMessage `json:"clinicalSummary,omitempty"`
	CrisisAssessment  json.RawMessage `json:"crisisAssessment,omitempty"`
	SessionReferences []string        `json:"sessionReferences"`
}

// ClientView is the simplified projection shared with the client. It
// carries no diagnoses, risk factors, or crisis assessment.
type ClientView struct {
	Goals             []Item   `json:"goals"`
	Homework          []Item   `json:"homework"`
	SessionReferences []string `json:"sessionReferences"`
}

// BuildViews derives both view projections from a canonical document.
// The derivation is deterministic: identical documents yield identical
// serialized views.
func BuildViews(doc Document) (therapist, client json.RawMessage, err error) {
	therapist, err = json.Marshal(TherapistView{
		Goals:             nonNilItems(doc.Goals),
		Interventions:     nonNilItems(doc.Interventions),
		Homework:          nonNilItems(doc.Homework),
		Diagnoses:         nonNilItems(doc.Diagnoses),
		RiskFactors:       nonNilItems(doc.RiskFactors),
		ClinicalSummary:   doc.ClinicalSummary,
		CrisisAssessment:  doc.CrisisAssessment,
		SessionReferences: nonNilStrings(doc.SessionReferences),
	})
	if err != nil {
		return nil, nil, err
	}
	client, err = json.Marshal(ClientView{
		Goals:             nonNilItems(doc.Goals),
		Homework:          nonNilItems(doc.Homework),
		SessionReferences: nonNilStrings(doc.SessionReferences),
	})
	if err != nil {
		return nil, nil, err
	}
	return therapist, client, nil
}

func nonNilItems(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	return items
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
