package slices

// Map applies mapper to each element.
func Map[T, R any](sli []T, mapper func(T) R) []R {
	ret := make([]R, len(sli))
	for i, v := range sli {
		ret[i] = mapper(v)
	}
	return ret
}

// MapUntilError is Map stopping at the first error.
func MapUntilError[T, R any](sli []T, mapper func(T) (R, error)) ([]R, error) {
	ret := make([]R, len(sli))
	for i, v := range sli {
		r, err := mapper(v)
		if err != nil {
			return nil, err
		}
		ret[i] = r
	}
	return ret, nil
}

// Chunk splits sli into consecutive slices of at most size elements.
//
// Empty input gives no chunks. size < 1 is treated as 1.
func Chunk[T any](sli []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	chunks := make([][]T, 0, (len(sli)+size-1)/size)
	for begin := 0; begin < len(sli); begin += size {
		end := min(begin+size, len(sli))
		chunks = append(chunks, sli[begin:end])
	}
	return chunks
}

// Uniq removes duplicates, keeping the first occurrence.
func Uniq[T comparable](sli []T) []T {
	seen := make(map[T]struct{}, len(sli))
	ret := make([]T, 0, len(sli))
	for _, v := range sli {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		ret = append(ret, v)
	}
	return ret
}

// ToMap indexes sli by key. Later elements win on collision.
func ToMap[T any, K comparable](sli []T, key func(T) K) map[K]T {
	m := make(map[K]T, len(sli))
	for _, v := range sli {
		m[key(v)] = v
	}
	return m
}

// GroupBy collects elements sharing the same key, keeping their order.
func GroupBy[T any, K comparable](sli []T, key func(T) K) map[K][]T {
	m := map[K][]T{}
	for _, v := range sli {
		k := key(v)
		m[k] = append(m[k], v)
	}
	return m
}

// ToAny converts a slice into []any, for statement arguments.
func ToAny[T any](sli []T) []any {
	return Map(sli, func(v T) any { return v })
}
