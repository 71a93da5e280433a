package utils // import "github.com/whisthq/whist/backend/fleet/utils"

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// SliceContains returns true if the given slice contains val, and false otherwise.
func SliceContains[T comparable](slice []T, val T) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// SliceRemove deletes the first occurence of val in s. Order is not preserved.
// https://github.com/golang/go/wiki/SliceTricks#delete-without-preserving-order
func SliceRemove[T comparable](s []T, val T) []T {
	for index := range s {
		if s[index] == val {
			s[index] = s[len(s)-1]
			return s[:len(s)-1]
		}
	}
	return s
}

// SliceUnique returns the distinct elements of s in ascending order.
func SliceUnique[T constraints.Ordered](s []T) []T {
	seen := make(map[T]bool, len(s))
	var unique []T
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			unique = append(unique, v)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	return unique
}

// PrintSlice is a helper function to print a slice as a string of comma separated values.
// The string is truncated to the first n elements in the slice, to improve readability.
func PrintSlice[T constraints.Ordered](slice []T, n int) string {
	if len(slice) < n {
		n = len(slice)
	}

	var message string
	for i, v := range slice[:n] {
		if i+1 == n {
			message += Sprintf("%v", v)
		} else {
			message += Sprintf("%v, ", v)
		}
	}
	return message
}
