package jss

import (
	"regexp"
	"testing"
	"time"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	doc := map[string]interface{}{
		"name":   "alice",
		"age":    float64(30),
		"active": true,
		"tags":   []interface{}{"a", "b"},
	}

	raw, err := MarshalDoc(doc)
	if err != nil {
		t.Fatalf("MarshalDoc: %v", err)
	}

	got, err := UnmarshalDoc(raw)
	if err != nil {
		t.Fatalf("UnmarshalDoc: %v", err)
	}
	if got["name"] != "alice" || got["age"] != float64(30) || got["active"] != true {
		t.Fatalf("got %+v", got)
	}
}

func TestMarshalDate(t *testing.T) {
	when := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	doc := map[string]interface{}{"createdAt": when}

	raw, err := MarshalDoc(doc)
	if err != nil {
		t.Fatalf("MarshalDoc: %v", err)
	}
	got, err := UnmarshalDoc(raw)
	if err != nil {
		t.Fatalf("UnmarshalDoc: %v", err)
	}
	back, ok := got["createdAt"].(time.Time)
	if !ok {
		t.Fatalf("expected time.Time, got %T", got["createdAt"])
	}
	if !back.Equal(when) {
		t.Fatalf("got %v want %v", back, when)
	}
}

func TestMarshalRegexp(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+$`)
	doc := map[string]interface{}{"pattern": re}

	raw, err := MarshalDoc(doc)
	if err != nil {
		t.Fatalf("MarshalDoc: %v", err)
	}
	got, err := UnmarshalDoc(raw)
	if err != nil {
		t.Fatalf("UnmarshalDoc: %v", err)
	}
	back, ok := got["pattern"].(*regexp.Regexp)
	if !ok {
		t.Fatalf("expected *regexp.Regexp, got %T", got["pattern"])
	}
	if back.String() != re.String() {
		t.Fatalf("got %q want %q", back.String(), re.String())
	}
}

func TestMarshalSharedReference(t *testing.T) {
	addr := map[string]interface{}{"city": "wonderland"}
	doc := map[string]interface{}{
		"home": addr,
		"work": addr,
	}

	raw, err := MarshalDoc(doc)
	if err != nil {
		t.Fatalf("MarshalDoc: %v", err)
	}

	got, err := UnmarshalDoc(raw)
	if err != nil {
		t.Fatalf("UnmarshalDoc: %v", err)
	}
	home, ok := got["home"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", got["home"])
	}
	work, ok := got["work"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", got["work"])
	}
	if home["city"] != "wonderland" || work["city"] != "wonderland" {
		t.Fatalf("got home=%+v work=%+v", home, work)
	}
}

func TestMarshalCyclicReference(t *testing.T) {
	node := map[string]interface{}{"name": "root"}
	node["self"] = node

	raw, err := MarshalDoc(node)
	if err != nil {
		t.Fatalf("MarshalDoc: %v", err)
	}

	got, err := UnmarshalDoc(raw)
	if err != nil {
		t.Fatalf("UnmarshalDoc: %v", err)
	}
	if got["name"] != "root" {
		t.Fatalf("got %+v", got)
	}
	self, ok := got["self"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected self to resolve to a map, got %T", got["self"])
	}
	if self["name"] != "root" {
		t.Fatalf("expected cyclic self-reference to resolve back to root, got %+v", self)
	}
}

func TestByPointerBadIndex(t *testing.T) {
	root := []interface{}{"a", "b"}
	if _, err := byPointer(root, "/5"); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}
