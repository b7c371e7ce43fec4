package squirrelstore

import (
	"context"
	"fmt"
	"reflect"
)

// GetTable is Get for map values: after loading, every key of defaults that
// the value lacks (or holds nil) is filled in with a copy of the default.
// Nested maps are merged recursively, keys not present in defaults are kept
// and stored values always win. If anything was filled in the handle becomes
// dirty. T must be a map type with string keys.
func (h *Handle[T]) GetTable(ctx context.Context, defaults T) (T, error) {
	var zero T
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Map || typ.Key().Kind() != reflect.String {
		return zero, fmt.Errorf("%w: table on %s", ErrTypeMismatch, typ)
	}

	if _, err := h.Get(ctx, cloneValue(defaults)); err != nil {
		return zero, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		// ClearBackup ran in between.
		return cloneValue(defaults), nil
	}
	if _, changed := mergeMap(reflect.ValueOf(h.value), reflect.ValueOf(defaults)); !changed {
		return h.value, nil
	}
	if err := h.guard.acquire(); err != nil {
		return zero, err
	}
	// acquire may have waited for another goroutine's Update.
	if !h.loaded {
		return cloneValue(defaults), nil
	}
	merged, changed := mergeMap(reflect.ValueOf(h.value), reflect.ValueOf(defaults))
	if !changed {
		return h.value, nil
	}
	out, _ := merged.Interface().(T)
	h.value = out
	h.markDirty()
	return out, nil
}

// mergeMap returns value with the keys it lacks filled in from defaults.
// value is never modified; when something changes the result is a new map.
func mergeMap(value, defaults reflect.Value) (reflect.Value, bool) {
	if defaults.Len() == 0 {
		return value, false
	}
	keyType, elemType := value.Type().Key(), value.Type().Elem()

	var out reflect.Value
	for it := defaults.MapRange(); it.Next(); {
		key, ok := convertTo(it.Key(), keyType)
		if !ok {
			continue
		}
		def := it.Value()
		cur := value.MapIndex(key)

		var next reflect.Value
		if !cur.IsValid() || isNil(cur) {
			if isNil(def) {
				continue
			}
			next = deepCopy(def)
		} else {
			cm, dm := indirect(cur), indirect(def)
			if !isStringMap(cm) || !isStringMap(dm) || isNil(cm) || isNil(dm) {
				continue
			}
			merged, changed := mergeMap(cm, dm)
			if !changed {
				continue
			}
			next = merged
		}

		next, ok = convertTo(next, elemType)
		if !ok {
			continue
		}
		if !out.IsValid() {
			out = copyMap(value)
		}
		out.SetMapIndex(key, next)
	}
	if !out.IsValid() {
		return value, false
	}
	return out, true
}

func isStringMap(v reflect.Value) bool {
	return v.Kind() == reflect.Map && v.Type().Key().Kind() == reflect.String
}

// convertTo makes v usable where a t is expected.
func convertTo(v reflect.Value, t reflect.Type) (reflect.Value, bool) {
	switch {
	case v.Type().AssignableTo(t):
		return v, true
	case v.Kind() == reflect.Interface && !v.IsNil():
		return convertTo(v.Elem(), t)
	case v.Type().ConvertibleTo(t) && v.Kind() == t.Kind():
		return v.Convert(t), true
	}
	return reflect.Value{}, false
}

func copyMap(m reflect.Value) reflect.Value {
	out := reflect.MakeMapWithSize(m.Type(), m.Len()+1)
	for it := m.MapRange(); it.Next(); {
		out.SetMapIndex(it.Key(), it.Value())
	}
	return out
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Map, reflect.Slice, reflect.Pointer, reflect.Chan, reflect.Func:
		return v.IsNil()
	}
	return false
}

// cloneValue deep-copies the maps and slices inside v.
func cloneValue[T any](v T) T {
	c, _ := deepCopy(reflect.ValueOf(&v).Elem()).Interface().(T)
	return c
}

func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		for it := v.MapRange(); it.Next(); {
			out.SetMapIndex(it.Key(), deepCopy(it.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	}
	return v
}
