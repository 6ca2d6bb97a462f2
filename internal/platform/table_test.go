package platform

import (
	"reflect"
	"testing"
)

func TestMap(t *testing.T) {
	m := Map{"log__printf": 1, "fs__open": 2}
	if addr, ok := m.Resolve("fs__open"); !ok || addr != 2 {
		t.Errorf("Expected fs__open at 2, got %d (%v)", addr, ok)
	}
	if _, ok := m.Resolve("fs__opem"); ok {
		t.Error("Expected an unknown name not to resolve")
	}
	if names := m.Names(); !reflect.DeepEqual(names, []string{"fs__open", "log__printf"}) {
		t.Errorf("Expected sorted names, got %v", names)
	}
}

func TestCString(t *testing.T) {
	b := CString("barf")
	if len(b) != 5 || b[4] != 0 {
		t.Fatalf("Expected a NUL terminated copy, got %q", b)
	}
	if s := GoString(Address(b)); s != "barf" {
		t.Errorf("Expected barf, got %q", s)
	}
	if s := GoString(0); s != "" {
		t.Errorf("Expected an empty string for a null pointer, got %q", s)
	}
	if Bytes(0, 4) != nil || Address(nil) != 0 {
		t.Error("Expected null pointers to map to nil and back")
	}
}
