package generator

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Failure is the value a safe wrapper returns in place of a propagated error.
type Failure struct {
	Capability string    `json:"capability"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

func (f Failure) String() string {
	return fmt.Sprintf("failure(%s: %s)", f.Capability, f.Message)
}

// Invocation is one entry of the audit journal kept by log wrappers.
type Invocation struct {
	Capability string    `json:"capability"`
	Input      any       `json:"input"`
	Output     any       `json:"output"`
	Err        string    `json:"err,omitempty"`
	At         time.Time `json:"at"`
}

// Pair is the result of a parallel composition.
type Pair struct {
	First  any
	Second any
}

// SkippedResult is returned by a conditional composition whose predicate was
// falsy.
type SkippedResult struct {
	Predicate any
}

func (SkippedResult) String() string {
	return "skipped"
}

func IsSkipped(v any) bool {
	_, ok := v.(SkippedResult)
	return ok
}

func IsFailure(v any) bool {
	_, ok := v.(Failure)
	return ok
}

// Truthy reports whether v counts as true for a conditional predicate: nil,
// false, numeric zero, empty strings and empty containers are false, as are
// failures and skipped results.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case Failure, SkippedResult:
		return false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len() != 0
	case reflect.Pointer, reflect.Interface, reflect.Func:
		return !rv.IsNil()
	}
	return true
}

// memoKey renders input with the dynamic type of every value it contains,
// so []any{1} and []any{int64(1)} get different keys. Map entries are
// sorted; pointers, channels and funcs key by identity.
func memoKey(input any) string {
	var b strings.Builder
	writeMemoKey(&b, reflect.ValueOf(input))
	return b.String()
}

func writeMemoKey(b *strings.Builder, v reflect.Value) {
	if !v.IsValid() {
		b.WriteString("nil")
		return
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			fmt.Fprintf(b, "%s(nil)", v.Type())
			return
		}
		writeMemoKey(b, v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			fmt.Fprintf(b, "%s(nil)", v.Type())
			return
		}
		fmt.Fprintf(b, "%s[", v.Type())
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			writeMemoKey(b, v.Index(i))
		}
		b.WriteByte(']')
	case reflect.Map:
		if v.IsNil() {
			fmt.Fprintf(b, "%s(nil)", v.Type())
			return
		}
		entries := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			var entry strings.Builder
			writeMemoKey(&entry, iter.Key())
			entry.WriteByte(':')
			writeMemoKey(&entry, iter.Value())
			entries = append(entries, entry.String())
		}
		sort.Strings(entries)
		fmt.Fprintf(b, "%s{%s}", v.Type(), strings.Join(entries, ","))
	case reflect.Struct:
		fmt.Fprintf(b, "%s{", v.Type())
		for i := 0; i < v.NumField(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			writeMemoKey(b, v.Field(i))
		}
		b.WriteByte('}')
	case reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		fmt.Fprintf(b, "%s@%x", v.Type(), v.Pointer())
	default:
		fmt.Fprintf(b, "%s(%#v)", v.Type(), v)
	}
}
