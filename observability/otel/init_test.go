package otel

import (
	"reflect"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders("authorization=Bearer abc, env = prod,,broken")
	want := map[string]string{
		"authorization": "Bearer abc",
		"env":           "prod",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected headers: %#v", got)
	}
}
