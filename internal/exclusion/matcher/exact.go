package matcher

// ExactIndex is a set of normalized string values.
type ExactIndex struct {
	values map[string]struct{}
}

func BuildExact(values []string) ExactIndex {
	idx := ExactIndex{values: make(map[string]struct{}, len(values))}
	for _, v := range values {
		n := Normalize(v)
		if n == "" {
			continue
		}
		idx.values[n] = struct{}{}
	}
	return idx
}

func (idx ExactIndex) Contains(value string) bool {
	if len(idx.values) == 0 {
		return false
	}
	_, ok := idx.values[Normalize(value)]
	return ok
}

func (idx ExactIndex) Len() int {
	return len(idx.values)
}
