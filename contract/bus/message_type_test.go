package bus_test

import (
	"reflect"
	"testing"

	cbus "github.com/next-trace/scg-courier/contract/bus"
)

type shipment struct{ ID string }

func TestTypeName(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{shipment{}, "bus_test.shipment"},
		{&shipment{}, "bus_test.shipment"},
		{map[string]any{}, "map[string]interface {}"},
		{nil, ""},
	}

	for _, tc := range cases {
		if got := cbus.TypeName(tc.in); got != tc.want {
			t.Fatalf("TypeName(%T)=%q want %q", tc.in, got, tc.want)
		}
	}

	if got := cbus.TypeNameOf(reflect.TypeFor[**shipment]()); got != "bus_test.shipment" {
		t.Fatalf("got %q", got)
	}
}
