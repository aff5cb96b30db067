package bus

import "reflect"

// TypeName is the default message-type header value for v: its package-qualified type
// name with pointers removed, e.g. "courier.RoutingSlip".
func TypeName(v any) string {
	if v == nil {
		return ""
	}

	return TypeNameOf(reflect.TypeOf(v))
}

// TypeNameOf is TypeName for a reflect.Type.
func TypeNameOf(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t.String()
}
