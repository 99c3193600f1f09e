package domain

// ContainsID reports whether id is present in ids.
func ContainsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// RemoveID returns ids without any occurrence of id, preserving order, and
// whether anything was removed. The input slice is not modified.
func RemoveID(ids []string, id string) ([]string, bool) {
	if !ContainsID(ids, id) {
		return ids, false
	}
	out := make([]string, 0, len(ids)-1)
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out, true
}

func cloneIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	return append([]string(nil), ids...)
}
