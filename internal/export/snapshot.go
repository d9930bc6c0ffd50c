package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"planvault/api/internal/plan"
)

// BuildSnapshot flattens a plan document into renderable sections.
// The client view keeps only the sections clients are allowed to see.
func BuildSnapshot(planID, title, clientID string, version int, view View, createdBy string, doc plan.Document) Snapshot {
	snap := Snapshot{
		PlanID:    planID,
		Title:     title,
		ClientID:  clientID,
		Version:   version,
		View:      view,
		CreatedBy: createdBy,
		CreatedAt: doc.UpdatedAt,
	}

	add := func(name string, items []plan.Item) {
		sec := Section{Name: name}
		for _, it := range items {
			sec.Items = append(sec.Items, SectionItem{ID: it.ID, Detail: formatAttrs(it.Attrs)})
		}
		snap.Sections = append(snap.Sections, sec)
	}
	addScalar := func(name string, raw json.RawMessage) {
		snap.Sections = append(snap.Sections, Section{Name: name, Text: formatScalar(raw)})
	}

	add("goals", doc.Goals)
	if view == ViewTherapist {
		add("interventions", doc.Interventions)
	}
	add("homework", doc.Homework)
	if view == ViewTherapist {
		add("diagnoses", doc.Diagnoses)
		add("risk factors", doc.RiskFactors)
		addScalar("clinical summary", doc.ClinicalSummary)
		addScalar("crisis assessment", doc.CrisisAssessment)
	}

	refs := Section{Name: "session references"}
	for _, id := range doc.SessionReferences {
		refs.Items = append(refs.Items, SectionItem{ID: id})
	}
	snap.Sections = append(snap.Sections, refs)

	return snap
}

// formatAttrs renders item attributes as sorted "key: value" lines
func formatAttrs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return string(raw)
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", k, formatValue(attrs[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return ""
	default:
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(out)
	}
}

func formatScalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return formatAttrs(raw)
}
