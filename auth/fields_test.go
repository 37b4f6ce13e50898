package auth

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestFields_OrderAndReplace(t *testing.T) {
	f := NewFields()
	f.Set("RequestType", "test-associate")
	f.Set("Id", "alice")
	f.Set("Nonce", "n1")
	f.Set("Id", "bob")

	if got, want := f.Keys(), []string{"RequestType", "Id", "Nonce"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if v, _ := f.Get("Id"); v != "bob" {
		t.Errorf("Id = %q, want bob", v)
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"RequestType":"test-associate","Id":"bob","Nonce":"n1"}` {
		t.Errorf("Unexpected JSON: %s", data)
	}
}

func TestFields_Unmarshal(t *testing.T) {
	var f Fields
	input := `{"RequestType":"get-logins","TriggerUnlock":false,"Count":3,"Url":null,"Id":"a\"b"}`
	if err := json.Unmarshal([]byte(input), &f); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got, want := f.Keys(), []string{"RequestType", "TriggerUnlock", "Count", "Id"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if v, _ := f.Get("TriggerUnlock"); v != "false" {
		t.Errorf("TriggerUnlock = %q", v)
	}
	if v, _ := f.Get("Id"); v != `a"b` {
		t.Errorf("Id = %q", v)
	}
	if _, ok := f.Get("Url"); ok {
		t.Error("null member should be dropped")
	}
}

func TestFields_UnmarshalRejectsNested(t *testing.T) {
	for _, input := range []string{`{"a":{"b":"c"}}`, `{"a":[1]}`, `[1,2]`, `"str"`} {
		var f Fields
		if err := json.Unmarshal([]byte(input), &f); err == nil {
			t.Errorf("Unmarshal(%s) succeeded", input)
		}
	}
}

func TestFields_NilSafe(t *testing.T) {
	var f *Fields
	if _, ok := f.Get("Id"); ok {
		t.Error("nil Fields reported a value")
	}
	if f.Len() != 0 || f.Keys() != nil {
		t.Error("nil Fields is not empty")
	}
}
