package util

func Map[T, V any](values []T, fn func(T) V) []V {
	results := make([]V, 0, len(values))
	for _, v := range values {
		results = append(results, fn(v))
	}
	return results
}

func Filter[T any](values []T, fn func(T) bool) []T {
	results := make([]T, 0, len(values))
	for _, e := range values {
		if fn(e) {
			results = append(results, e)
		}
	}
	return results
}

// Count returns the number of values fn reports true for.
func Count[T any](values []T, fn func(T) bool) int {
	n := 0
	for _, v := range values {
		if fn(v) {
			n++
		}
	}
	return n
}

// Duplicates returns the first key seen twice, nil if the keys are unique.
func Duplicates[T any, K comparable](values []T, fn func(v T) K) *K {
	seen := map[K]struct{}{}
	for _, v := range values {
		key := fn(v)
		if _, ok := seen[key]; ok {
			return &key
		}
		seen[key] = struct{}{}
	}
	return nil
}
