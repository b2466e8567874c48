//go:build !debug_mem_utils

package memutils

import "golang.org/x/exp/constraints"

func DebugValidate(validatable Validatable) {}

func DebugCheckPow2[T constraints.Integer](value T, name string) {}
