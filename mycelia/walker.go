package mycelia

import "reflect"

// walkArgTree implements the Argument Tree Walker (§4.2): a single shallow
// pass over a raw positional/keyword argument list that splits each element
// into either a literal Slot or a Ref Slot (when the element is itself a
// deferred Call), collecting every discovered child Call along the way for
// the DAG Builder. A *Call nested inside a container (slice, array, or map)
// is not reachable by a shallow walk and is rejected as
// UnreachableDeferredCall — the same restriction spec.md places on deferred
// values buried inside ordinary data structures.
func walkArgTree(args Args, kwargs KWArgs) ([]Slot, map[string]Slot, []*Call, error) {
	children := make([]*Call, 0, len(args)+len(kwargs))

	argSlots := make([]Slot, len(args))
	for i, v := range args {
		slot, child, err := walkOne(v)
		if err != nil {
			return nil, nil, nil, err
		}
		argSlots[i] = slot
		if child != nil {
			children = append(children, child)
		}
	}

	var kwSlots map[string]Slot
	if len(kwargs) > 0 {
		kwSlots = make(map[string]Slot, len(kwargs))
		for k, v := range kwargs {
			slot, child, err := walkOne(v)
			if err != nil {
				return nil, nil, nil, err
			}
			kwSlots[k] = slot
			if child != nil {
				children = append(children, child)
			}
		}
	}

	return argSlots, kwSlots, children, nil
}

func walkOne(v any) (Slot, *Call, error) {
	if call, ok := v.(*Call); ok {
		return refSlot(call.ID), call, nil
	}
	if containsDeferredCall(v) {
		return Slot{}, nil, &CallError{
			Code:    CodeUnreachableDeferredCall,
			Message: "deferred call nested inside a container argument is unreachable by the argument tree walker",
		}
	}
	return Literal(v), nil, nil
}

// containsDeferredCall scans slices, arrays, and map values, at any depth of
// nesting, for an embedded *Call.
func containsDeferredCall(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i).Interface()
			if _, ok := elem.(*Call); ok || containsDeferredCall(elem) {
				return true
			}
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			elem := iter.Value().Interface()
			if _, ok := elem.(*Call); ok || containsDeferredCall(elem) {
				return true
			}
		}
	}
	return false
}
