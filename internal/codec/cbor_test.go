package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string          `cbor:"name"`
	Items map[string]bool `cbor:"items"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := sample{Name: "a", Items: map[string]bool{"z": true, "b": true, "m": false}}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs between runs: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "b", "extra": 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got sample
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Name != "b" {
		t.Fatalf("Name = %q, want b", got.Name)
	}
}
