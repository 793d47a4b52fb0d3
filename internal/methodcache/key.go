package methodcache

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Key builds the canonical cache key for a call of method with args. The
// argument names are sorted so logically identical calls map to the same key
// regardless of declaration order. Names and values are quoted so separators
// inside them cannot make two argument sets collide.
//
// args may be nil, a map with string keys, a struct (exported fields; the
// `cache:"name"` tag renames a field and `cache:"-"` skips it), a pointer to
// either, or any other value, which is rendered as a single "value" argument.
func Key(method string, args any) string {
	pairs := argPairs(args)
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(method)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(strconv.Quote(name))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(pairs[name]))
	}
	return b.String()
}

func argPairs(args any) map[string]string {
	if args == nil {
		return nil
	}
	v := reflect.ValueOf(args)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]string, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = render(iter.Value())
		}
		return out
	case reflect.Struct:
		t := v.Type()
		out := make(map[string]string, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			name := sf.Name
			if tag, ok := sf.Tag.Lookup("cache"); ok {
				if tag == "-" {
					continue
				}
				if tag != "" {
					name = tag
				}
			}
			out[name] = render(v.Field(i))
		}
		return out
	}
	return map[string]string{"value": render(v)}
}

func render(v reflect.Value) string {
	if !v.IsValid() {
		return "<nil>"
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return "<nil>"
		}
		return s.String()
	}
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "<nil>"
		}
		v = v.Elem()
	}
	return fmt.Sprintf("%v", v.Interface())
}
