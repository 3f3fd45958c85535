package store

import "slices"

// ChunkRange calls fn with consecutive [start, end) windows of at most
// chunkSize covering total items. It stops at the first error.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		if err := fn(start, min(start+chunkSize, total)); err != nil {
			return err
		}
	}
	return nil
}

// DedupeStrings returns the distinct non-empty values of in, sorted. The
// input is left untouched.
func DedupeStrings(in []string) []string {
	out := slices.DeleteFunc(slices.Clone(in), func(v string) bool { return v == "" })
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
