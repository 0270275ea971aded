/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package xslices provides generic slice and map helpers used throughout the
// codebase, plus a comma-separated list flag type.
package xslices

import (
	"flag"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Map executes the given function sequentially for every element on in, and
// returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// MapParallel executes the given function for every element of in, using as
// many goroutines as hardware parallelism, and returns a mapped slice.
func MapParallel[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	numWorkers := min(runtime.GOMAXPROCS(0), len(in))
	if numWorkers <= 1 {
		return Map(in, fn)
	}
	var wg sync.WaitGroup
	chunkSize := (len(in) + numWorkers - 1) / numWorkers
	for start := 0; start < len(in); start += chunkSize {
		end := min(start+chunkSize, len(in))
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for ii := start; ii < end; ii++ {
				out[ii] = fn(in[ii])
			}
		}(start, end)
	}
	wg.Wait()
	return
}

// At returns the element of the slice at the given position. Negative
// positions count from the end, so At(s, -1) is the last element.
func At[T any](slice []T, pos int) T {
	if pos < 0 {
		pos = len(slice) + pos
	}
	return slice[pos]
}

// Last returns the last element of the slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Pop removes and returns the last element of the slice, returning also the
// shortened slice.
func Pop[T any](slice []T) (value T, newSlice []T) {
	value = Last[T](slice)
	newSlice = slice[:len(slice)-1]
	return
}

// Fill sets every element of the slice to the given value.
func Fill[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// Iota returns a slice of the given size with the values
// [start, start+1, ..., start+size-1].
func Iota[T constraints.Integer](start T, size int) (slice []T) {
	slice = make([]T, size)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Keys returns the keys of a map in the form of a slice, in no particular
// order.
func Keys[K comparable, V any](m map[K]V) (keys []K) {
	keys = make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) (keys []K) {
	keys = Keys(m)
	slices.Sort(keys)
	return
}

// Max scans the slice and returns the largest value. It panics on an empty
// slice.
func Max[T constraints.Ordered](slice []T) (max T) {
	max = slice[0]
	for _, v := range slice[1:] {
		if v > max {
			max = v
		}
	}
	return
}

// Min scans the slice and returns the smallest value. It panics on an empty
// slice.
func Min[T constraints.Ordered](slice []T) (min T) {
	min = slice[0]
	for _, v := range slice[1:] {
		if v < min {
			min = v
		}
	}
	return
}

// sliceFlag implements flag.Value for a comma-separated list of values.
type sliceFlag[T any] struct {
	values *[]T
	parser func(valueStr string) (T, error)
}

// String implements flag.Value.
func (f *sliceFlag[T]) String() string {
	if f == nil || f.values == nil {
		return ""
	}
	parts := make([]string, 0, len(*f.values))
	for _, v := range *f.values {
		if stringer, ok := any(v).(fmt.Stringer); ok {
			parts = append(parts, stringer.String())
		} else {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value. An empty text sets the empty list.
func (f *sliceFlag[T]) Set(text string) error {
	if text == "" {
		*f.values = nil
		return nil
	}
	parts := strings.Split(text, ",")
	parsed := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := f.parser(strings.TrimSpace(part))
		if err != nil {
			return errors.Wrapf(err, "failed to parse %q as list element", part)
		}
		parsed = append(parsed, v)
	}
	*f.values = parsed
	return nil
}

// Flag registers a flag that holds a comma-separated list of values, parsed
// element-wise with the given parser. It returns a pointer to the parsed
// slice, initialized with defaultValues.
func Flag[T any](name string, defaultValues []T, usage string, parser func(valueStr string) (T, error)) *[]T {
	values := slices.Clone(defaultValues)
	flag.Var(&sliceFlag[T]{values: &values, parser: parser}, name, usage)
	return &values
}
