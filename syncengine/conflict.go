package syncengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/openroute/gasflow/core"
)

// conflictWindow is how close two updated_at values must be for
// simultaneous edits to count as a conflict candidate.
const conflictWindow = 5 * time.Minute

// hashExcluded are the fields left out of the content hash: identity and
// bookkeeping, not business data.
var hashExcluded = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"legacy_id":  true,
	"version":    true,
}

// detectConflict reports whether the legacy side has diverged from the data
// this operation wants to write. Version numbers win when both sides carry
// them; otherwise near-simultaneous updated_at values make the pair a
// candidate, confirmed by a content-hash mismatch.
func detectConflict(op *core.SyncOperation, legacy map[string]interface{}) bool {
	if len(legacy) == 0 || len(op.Data) == 0 {
		return false
	}

	candidate := false
	if v1, ok1 := asFloat(op.Data["version"]); ok1 {
		if v2, ok2 := asFloat(legacy["version"]); ok2 {
			if v1 == v2 {
				return false
			}
			candidate = true
		}
	}
	if !candidate {
		t1, ok1 := asTime(op.Data["updated_at"])
		t2, ok2 := asTime(legacy["updated_at"])
		if ok1 && ok2 {
			diff := t1.Sub(t2)
			if diff < 0 {
				diff = -diff
			}
			candidate = diff <= conflictWindow
		}
	}
	if !candidate {
		return false
	}
	return contentHash(op.Data) != contentHash(legacy)
}

// contentHash is a sha-256 over a stable JSON rendering of the business
// fields.
func contentHash(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if !hashExcluded[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		raw, err := json.Marshal(data[k])
		if err != nil {
			continue
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(raw)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// resolve applies a resolution strategy and returns the winning data, or
// ok=false for manual strategies that need a human.
func resolve(strategy core.ConflictResolution, op *core.SyncOperation) (map[string]interface{}, bool) {
	switch strategy {
	case core.ResolveLegacyWins:
		return op.LegacyData, true
	case core.ResolveNewSystemWins:
		return op.Data, true
	case core.ResolveAutoMerged:
		return autoMerge(op.Data, op.LegacyData), true
	case core.ResolveManual:
		return nil, false
	default: // newest_wins
		t1, ok1 := asTime(op.Data["updated_at"])
		t2, ok2 := asTime(op.LegacyData["updated_at"])
		if ok1 && ok2 && t1.After(t2) {
			return op.Data, true
		}
		if ok1 && !ok2 {
			return op.Data, true
		}
		return op.LegacyData, true
	}
}

// autoMerge unions the two sides field by field. Scalars prefer non-null
// then the side with the newer updated_at; lists merge additively, deduped
// on a natural id when the elements carry one; nested maps merge
// recursively.
func autoMerge(ours, theirs map[string]interface{}) map[string]interface{} {
	newerOurs := true
	if t1, ok1 := asTime(ours["updated_at"]); ok1 {
		if t2, ok2 := asTime(theirs["updated_at"]); ok2 {
			newerOurs = t1.After(t2) || t1.Equal(t2)
		}
	}

	out := make(map[string]interface{}, len(ours)+len(theirs))
	keys := make(map[string]bool, len(ours)+len(theirs))
	for k := range ours {
		keys[k] = true
	}
	for k := range theirs {
		keys[k] = true
	}

	for k := range keys {
		a, hasA := ours[k]
		b, hasB := theirs[k]
		switch {
		case !hasB || b == nil:
			out[k] = a
		case !hasA || a == nil:
			out[k] = b
		default:
			out[k] = mergeValues(a, b, newerOurs)
		}
	}
	return out
}

func mergeValues(a, b interface{}, newerOurs bool) interface{} {
	if la, ok := a.([]interface{}); ok {
		if lb, ok := b.([]interface{}); ok {
			return mergeLists(la, lb)
		}
	}
	if ma, ok := a.(map[string]interface{}); ok {
		if mb, ok := b.(map[string]interface{}); ok {
			return autoMerge(ma, mb)
		}
	}
	if newerOurs {
		return a
	}
	return b
}

// mergeLists is an additive union. Elements that are objects with an id or
// code field dedupe on it, ours winning; everything else dedupes on its
// JSON form.
func mergeLists(ours, theirs []interface{}) []interface{} {
	out := make([]interface{}, 0, len(ours)+len(theirs))
	seen := make(map[string]bool)

	keyOf := func(v interface{}) string {
		if m, ok := v.(map[string]interface{}); ok {
			for _, field := range []string{"id", "code"} {
				if id, ok := m[field]; ok {
					raw, _ := json.Marshal(id)
					return field + ":" + string(raw)
				}
			}
		}
		raw, _ := json.Marshal(v)
		return "v:" + string(raw)
	}

	for _, v := range ours {
		k := keyOf(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	for _, v := range theirs {
		k := keyOf(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
