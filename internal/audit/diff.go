package audit

import (
	"encoding/json"
	"reflect"

	"plans/models"
)

// SnapshotOf serializes an entity into its top-level field view. The JSON
// round-trip deliberately flattens typed sub-structures into plain values so
// diffs compare what a compliance reviewer would read, not Go types.
func SnapshotOf(entity any) (models.Snapshot, error) {
	if entity == nil {
		return nil, nil
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff compares two snapshots at the top level only. Fields present on both
// sides are compared by deep equality; a field present on one side only is
// reported as added or removed. Identical inputs always produce an
// identical (empty) diff.
func Diff(before, after models.Snapshot) models.FieldDiff {
	if before == nil && after == nil {
		return nil
	}
	diff := models.FieldDiff{}
	for field, oldVal := range before {
		newVal, ok := after[field]
		if !ok {
			diff[field] = models.FieldChange{From: oldVal, To: nil}
			continue
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			diff[field] = models.FieldChange{From: oldVal, To: newVal}
		}
	}
	for field, newVal := range after {
		if _, ok := before[field]; !ok {
			diff[field] = models.FieldChange{From: nil, To: newVal}
		}
	}
	if len(diff) == 0 {
		return nil
	}
	return diff
}
