package plan

import "encoding/json"

// ItemChange reports one identified item whose value differs between two
// snapshots.
type ItemChange struct {
	ID  string          `json:"id"`
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// SectionDiff describes the changes within one section. Collection
// sections fill Added/Removed/Modified; scalar sections fill Changed with
// both values; identifier-set sections fill AddedIDs/RemovedIDs.
type SectionDiff struct {
	Section        string          `json:"section"`
	Added          []Item          `json:"added,omitempty"`
	Removed        []Item          `json:"removed,omitempty"`
	Modified       []ItemChange    `json:"modified,omitempty"`
	UnchangedCount int             `json:"unchangedCount,omitempty"`
	Changed        bool            `json:"changed,omitempty"`
	Old            json.RawMessage `json:"old,omitempty"`
	New            json.RawMessage `json:"new,omitempty"`
	AddedIDs       []string        `json:"addedIds,omitempty"`
	RemovedIDs     []string        `json:"removedIds,omitempty"`
}

func (d SectionDiff) empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 &&
		!d.Changed && len(d.AddedIDs) == 0 && len(d.RemovedIDs) == 0
}

// Diff is a section-aware difference between two snapshots, directional
// old → new. Sections with no changes are omitted.
type Diff struct {
	Sections []SectionDiff `json:"sections"`
}

// Empty reports whether the two compared documents were identical.
func (d Diff) Empty() bool {
	return len(d.Sections) == 0
}

// Compare computes the structured difference between two canonical
// documents. It is pure: no side effects, and comparing a document to
// itself yields an empty diff. Added and modified items are reported in
// the order they appear in the newer document; removed items follow the
// older document's order.
func Compare(before, after Document) Diff {
	diff := Diff{Sections: make([]SectionDiff, 0, 4)}
	for _, spec := range sections() {
		var section SectionDiff
		switch spec.Kind {
		case KindCollection:
			section = diffCollection(spec.Name, *spec.items(&before), *spec.items(&after))
		case KindScalar:
			section = diffScalar(spec.Name, *spec.scalar(&before), *spec.scalar(&after))
		case KindIDSet:
			section = diffIDSet(spec.Name, *spec.ids(&before), *spec.ids(&after))
		}
		if !section.empty() {
			diff.Sections = append(diff.Sections, section)
		}
	}
	return diff
}

func diffCollection(name string, before, after []Item) SectionDiff {
	section := SectionDiff{Section: name}
	beforeByID := indexItems(before)
	afterByID := indexItems(after)

	for _, item := range after {
		old, exists := beforeByID[item.ID]
		if !exists {
			section.Added = append(section.Added, item)
			continue
		}
		if equalValues(old.Attrs, item.Attrs) {
			section.UnchangedCount++
			continue
		}
		section.Modified = append(section.Modified, ItemChange{
			ID:  item.ID,
			Old: old.Attrs,
			New: item.Attrs,
		})
	}
	for _, item := range before {
		if _, exists := afterByID[item.ID]; !exists {
			section.Removed = append(section.Removed, item)
		}
	}
	return section
}

func diffScalar(name string, before, after json.RawMessage) SectionDiff {
	section := SectionDiff{Section: name}
	if equalValues(before, after) {
		return section
	}
	section.Changed = true
	section.Old = before
	section.New = after
	return section
}

func diffIDSet(name string, before, after []string) SectionDiff {
	section := SectionDiff{Section: name}
	beforeSet := indexStrings(before)
	afterSet := indexStrings(after)

	for _, id := range after {
		if _, exists := beforeSet[id]; !exists {
			section.AddedIDs = append(section.AddedIDs, id)
		}
	}
	for _, id := range before {
		if _, exists := afterSet[id]; !exists {
			section.RemovedIDs = append(section.RemovedIDs, id)
		}
	}
	return section
}

func indexStrings(values []string) map[string]struct{} {
	index := make(map[string]struct{}, len(values))
	for _, value := range values {
		index[value] = struct{}{}
	}
	return index
}
