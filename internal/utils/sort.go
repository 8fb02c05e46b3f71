package utils

import (
	"cmp"
	"slices"
)

// SortedKeys returns the map keys in ascending order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := Keys(m)
	slices.Sort(keys)
	return keys
}
