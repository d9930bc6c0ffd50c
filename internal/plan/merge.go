package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Policy selects the value written into the merged document when both
// sides changed the same unit to different results. Conflicts are recorded
// either way; the policy only decides the best-effort merged value.
type Policy string

const (
	CurrentWins  Policy = "current_wins"
	IncomingWins Policy = "incoming_wins"
)

// Conflict records one section (and item, for collections) where the
// current and incoming edits diverge from each other and from the base.
type Conflict struct {
	Section  string          `json:"section"`
	ItemID   string          `json:"itemId,omitempty"`
	Base     json.RawMessage `json:"base,omitempty"`
	Current  json.RawMessage `json:"current,omitempty"`
	Incoming json.RawMessage `json:"incoming,omitempty"`
}

// MergeResult is always returned, even when conflicts exist: Merged is a
// best-effort document the caller may commit or escalate. Success is true
// iff Conflicts is empty.
type MergeResult struct {
	Success   bool       `json:"success"`
	Merged    Document   `json:"merged"`
	Conflicts []Conflict `json:"conflicts"`
	Summary   string     `json:"summary"`
}

// Merge performs a three-way merge of the canonical document. For every
// section it applies, per item or per whole section:
//
//	current unchanged, incoming unchanged → base value
//	current unchanged, incoming changed   → incoming value
//	current changed, incoming unchanged   → current value
//	both changed to the same result       → that value
//	both changed to different results     → conflict, value per policy
//
// Merge never fails on structurally valid input; unresolved conflicts are
// data, not errors.
func Merge(base, current, incoming Document, policy Policy) MergeResult {
	if policy != IncomingWins {
		policy = CurrentWins
	}

	merged := Document{}
	conflicts := make([]Conflict, 0)

	for _, spec := range sections() {
		switch spec.Kind {
		case KindCollection:
			items, sectionConflicts := mergeCollection(
				spec.Name,
				*spec.items(&base),
				*spec.items(&current),
				*spec.items(&incoming),
				policy,
			)
			*spec.items(&merged) = items
			conflicts = append(conflicts, sectionConflicts...)
		case KindScalar:
			value, conflict := mergeScalar(
				spec.Name,
				*spec.scalar(&base),
				*spec.scalar(&current),
				*spec.scalar(&incoming),
				policy,
			)
			*spec.scalar(&merged) = value
			if conflict != nil {
				conflicts = append(conflicts, *conflict)
			}
		case KindIDSet:
			*spec.ids(&merged) = mergeIDSet(
				*spec.ids(&base),
				*spec.ids(&current),
				*spec.ids(&incoming),
			)
		}
	}

	merged.Version = nextVersion(base, current)
	merged.UpdatedAt = time.Now().UTC()

	result := MergeResult{
		Success:   len(conflicts) == 0,
		Merged:    merged,
		Conflicts: conflicts,
	}
	if result.Success {
		result.Summary = "merge completed cleanly"
	} else {
		result.Summary = fmt.Sprintf("merge completed with %d conflict(s); manual review recommended", len(conflicts))
	}
	return result
}

func nextVersion(base, current Document) int {
	version := current.Version
	if base.Version > version {
		version = base.Version
	}
	return version + 1
}

// mergeCollection applies the decision table per item identifier. The
// merged order follows current, with items introduced by incoming appended
// in incoming order.
func mergeCollection(section string, base, current, incoming []Item, policy Policy) ([]Item, []Conflict) {
	baseByID := indexItems(base)
	currentByID := indexItems(current)
	incomingByID := indexItems(incoming)

	merged := make([]Item, 0, len(current))
	conflicts := make([]Conflict, 0)

	for _, cur := range current {
		baseItem, inBase := baseByID[cur.ID]
		incItem, inIncoming := incomingByID[cur.ID]

		if !inIncoming {
			if !inBase {
				// Added by current only.
				merged = append(merged, cur)
				continue
			}
			if equalItems(cur, baseItem) {
				// Removed by incoming, untouched by current: removal survives.
				continue
			}
			// Current modified an item incoming removed.
			conflicts = append(conflicts, Conflict{
				Section: section,
				ItemID:  cur.ID,
				Base:    baseItem.Attrs,
				Current: cur.Attrs,
			})
			if policy == CurrentWins {
				merged = append(merged, cur)
			}
			continue
		}

		curChanged := !inBase || !equalItems(cur, baseItem)
		incChanged := !inBase || !equalItems(incItem, baseItem)

		switch {
		case !curChanged && !incChanged:
			merged = append(merged, baseItem)
		case !curChanged && incChanged:
			merged = append(merged, incItem)
		case curChanged && !incChanged:
			merged = append(merged, cur)
		case equalValues(cur.Attrs, incItem.Attrs):
			merged = append(merged, cur)
		default:
			conflict := Conflict{
				Section:  section,
				ItemID:   cur.ID,
				Current:  cur.Attrs,
				Incoming: incItem.Attrs,
			}
			if inBase {
				conflict.Base = baseItem.Attrs
			}
			conflicts = append(conflicts, conflict)
			if policy == IncomingWins {
				merged = append(merged, incItem)
			} else {
				merged = append(merged, cur)
			}
		}
	}

	// Items removed by current. Removal survives when incoming left the
	// item untouched; an incoming modification of a removed item conflicts.
	for _, baseItem := range base {
		if _, kept := currentByID[baseItem.ID]; kept {
			continue
		}
		incItem, inIncoming := incomingByID[baseItem.ID]
		if !inIncoming || equalItems(incItem, baseItem) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Section:  section,
			ItemID:   baseItem.ID,
			Base:     baseItem.Attrs,
			Incoming: incItem.Attrs,
		})
		if policy == IncomingWins {
			merged = append(merged, incItem)
		}
	}

	// New items introduced by incoming.
	for _, incItem := range incoming {
		if _, inBase := baseByID[incItem.ID]; inBase {
			continue
		}
		if _, inCurrent := currentByID[incItem.ID]; inCurrent {
			continue
		}
		merged = append(merged, incItem)
	}

	if len(merged) == 0 {
		merged = nil
	}
	return merged, conflicts
}

func mergeScalar(section string, base, current, incoming json.RawMessage, policy Policy) (json.RawMessage, *Conflict) {
	curChanged := !equalValues(current, base)
	incChanged := !equalValues(incoming, base)

	switch {
	case !curChanged && !incChanged:
		return cloneRaw(base), nil
	case !curChanged:
		return cloneRaw(incoming), nil
	case !incChanged:
		return cloneRaw(current), nil
	case equalValues(current, incoming):
		return cloneRaw(current), nil
	}

	conflict := &Conflict{
		Section:  section,
		Base:     base,
		Current:  current,
		Incoming: incoming,
	}
	if policy == IncomingWins {
		return cloneRaw(incoming), conflict
	}
	return cloneRaw(current), conflict
}

// mergeIDSet treats membership as an idempotent union: an identifier kept
// or added by either side appears exactly once; one removed by a side that
// the other left untouched stays removed.
func mergeIDSet(base, current, incoming []string) []string {
	baseSet := indexStrings(base)
	currentSet := indexStrings(current)
	incomingSet := indexStrings(incoming)

	member := func(id string) bool {
		_, inBase := baseSet[id]
		_, inCurrent := currentSet[id]
		_, inIncoming := incomingSet[id]
		if inCurrent && inIncoming {
			return true
		}
		if inCurrent && !inBase {
			return true
		}
		if inIncoming && !inBase {
			return true
		}
		return false
	}

	merged := make([]string, 0, len(current))
	seen := make(map[string]struct{})
	for _, id := range current {
		if _, dup := seen[id]; dup || !member(id) {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range incoming {
		if _, dup := seen[id]; dup || !member(id) {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
