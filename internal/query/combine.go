package query

// CartesianProduct returns every combination that picks one element from each
// list, varying the last list fastest. The product of no lists is a single
// empty combination; any empty list yields no combinations.
func CartesianProduct[T any](lists [][]T) [][]T {
	out := [][]T{{}}
	for _, list := range lists {
		next := make([][]T, 0, len(out)*len(list))
		for _, prefix := range out {
			for _, item := range list {
				combo := make([]T, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, item))
			}
		}
		out = next
	}
	return out
}

// Dedupe removes repeated elements, keeping the first occurrence of each.
func Dedupe[T comparable](items []T) []T {
	if len(items) == 0 {
		return items
	}
	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
