package postgres

import (
	"reflect"
	"sync"
)

// ExtractDBColumns extracts all column names from struct "db" tags, descending
// into embedded structs. It is meant to run once at repository construction.
//
// Usage:
//
//	columns := ExtractDBColumns[stock.Record]()
//	// Returns: ["item_code", "name", "category", ...]
func ExtractDBColumns[T any]() []string {
	var zero T
	return columnsOf(reflect.TypeOf(zero))
}

func columnsOf(t reflect.Type) []string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	var cols []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			cols = append(cols, columnsOf(field.Type)...)
			continue
		}
		if tag := field.Tag.Get("db"); tag != "" && tag != "-" {
			cols = append(cols, tag)
		}
	}
	return cols
}

// fieldIndex maps a column to the index path of its struct field.
type fieldIndex map[string][]int

var indexCache sync.Map // map[reflect.Type]fieldIndex

func indexOf(t reflect.Type) fieldIndex {
	if cached, ok := indexCache.Load(t); ok {
		return cached.(fieldIndex)
	}

	idx := make(fieldIndex)
	var walk func(t reflect.Type, prefix []int)
	walk = func(t reflect.Type, prefix []int) {
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			path := append(append([]int(nil), prefix...), i)
			if field.Anonymous && field.Type.Kind() == reflect.Struct {
				walk(field.Type, path)
				continue
			}
			if tag := field.Tag.Get("db"); tag != "" && tag != "-" {
				idx[tag] = path
			}
		}
	}
	walk(t, nil)

	indexCache.Store(t, idx)
	return idx
}

// StructToMap converts a struct to a map keyed by "db" tags.
func StructToMap(v any) map[string]any {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil
	}

	idx := indexOf(rv.Type())
	res := make(map[string]any, len(idx))
	for col, path := range idx {
		res[col] = rv.FieldByIndex(path).Interface()
	}
	return res
}

// ColumnValues returns the values of v for columns, in order.
// Unknown columns yield nil.
func ColumnValues(v any, columns []string) []any {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil
	}

	idx := indexOf(rv.Type())
	out := make([]any, len(columns))
	for i, col := range columns {
		if path, ok := idx[col]; ok {
			out[i] = rv.FieldByIndex(path).Interface()
		}
	}
	return out
}
