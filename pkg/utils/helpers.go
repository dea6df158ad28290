// Package utils provides utility functions for common operations throughout
// the application.
package utils

import "strings"

// AreAddressesEqual compares two addresses for equality, ignoring case.
func AreAddressesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// NormalizeAddress lowercases an address so lookups and uniqueness checks
// are case-insensitive.
func NormalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// Map applies a mapper function to each element of a slice and returns the
// resulting slice.
func Map[A any, B any](coll []A, mapper func(i A, index uint64) B) []B {
	out := make([]B, 0, len(coll))
	for i, item := range coll {
		out = append(out, mapper(item, uint64(i)))
	}
	return out
}

// Filter returns the elements of a slice for which the criteria returns true.
func Filter[A any](coll []A, criteria func(i A) bool) []A {
	out := make([]A, 0)
	for _, item := range coll {
		if criteria(item) {
			out = append(out, item)
		}
	}
	return out
}
