//go:build debug_mem_utils

package memutils

import "golang.org/x/exp/constraints"

// DebugValidate panics if validatable is inconsistent. Builds without the debug_mem_utils tag compile
// it away.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two. Builds without the debug_mem_utils tag compile it
// away.
func DebugCheckPow2[T constraints.Integer](value T, name string) {
	err := CheckPow2(value, name)
	if err != nil {
		panic(err)
	}
}
