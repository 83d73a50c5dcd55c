package model

import (
	"errors"
	"reflect"
	"testing"
)

func TestAttributesPreserveInsertionOrder(t *testing.T) {
	a := NewAttributes("name", "First Agent", "manual_spawn", true, "grid_col", 3)
	a.Set("name", "Renamed")
	a.Set("grid_row", 5)

	want := []string{"name", "manual_spawn", "grid_col", "grid_row"}
	if got := a.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	if v, _ := a.Get("name"); v != "Renamed" {
		t.Fatalf("name = %v, want Renamed", v)
	}

	a.Delete("manual_spawn")
	want = []string{"name", "grid_col", "grid_row"}
	if got := a.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() after Delete = %v, want %v", got, want)
	}
}

func TestAttributesCloneIsIndependent(t *testing.T) {
	a := NewAttributes("k", 1)
	b := a.Clone()
	b.Set("k", 2)
	b.Set("other", true)

	if v, _ := a.Get("k"); v != 1 {
		t.Fatalf("original mutated through clone: k = %v", v)
	}
	if a.Len() != 1 {
		t.Fatalf("original Len() = %d, want 1", a.Len())
	}
}

func TestEntityApplyIsPartialMerge(t *testing.T) {
	e := DefaultEntity(7)
	e.Apply(PatchPosition(10, 20).WithStatus(StatusSpawned).WithExtra("name", "First Agent"))
	e.Apply(Patch{}.WithExtra("grid_col", 0))

	x := 42.0
	e.Apply(Patch{X: &x})

	if e.Position != (Position{X: 42, Y: 20}) {
		t.Fatalf("Position = %+v, want {42 20}", e.Position)
	}
	if e.Status != StatusSpawned {
		t.Fatalf("Status = %q, want %q", e.Status, StatusSpawned)
	}
	if v, ok := e.Extra.Get("name"); !ok || v != "First Agent" {
		t.Fatalf("name extra lost after partial update: %v, %v", v, ok)
	}
	if e.ID != 7 {
		t.Fatalf("ID changed to %d", e.ID)
	}
}

func TestEntityApplyIgnoresReservedExtraKeys(t *testing.T) {
	e := DefaultEntity(1)
	e.Apply(Patch{Extra: NewAttributes("id", 99, "status", "Hijacked", "name", "ok")})

	if e.ID != 1 || e.Status != StatusExisting {
		t.Fatalf("reserved keys leaked into entity: %+v", e)
	}
	if e.Extra.Len() != 1 {
		t.Fatalf("Extra.Len() = %d, want 1", e.Extra.Len())
	}
}

func TestEntityAttributesOrder(t *testing.T) {
	e := DefaultEntity(3)
	e.Apply(Patch{}.WithExtra("name", "A").WithExtra("grid_col", 1))

	want := []string{"id", "x", "y", "status", "brain_active", "name", "grid_col"}
	if got := e.Attributes().Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Attributes().Keys() = %v, want %v", got, want)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{in: 1.5, want: "1.5"},
		{in: 67.5, want: "67.5"},
		{in: true, want: "True"},
		{in: false, want: "False"},
		{in: "Spawned", want: "Spawned"},
		{in: uint64(12), want: "12"},
		{in: EntityID(4), want: "4"},
		{in: nil, want: ""},
	}
	for _, tc := range cases {
		if got := FormatValue(tc.in); got != tc.want {
			t.Errorf("FormatValue(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPatchValidate(t *testing.T) {
	if err := PatchPosition(1, 1).WithStatus(StatusMoving).Validate(); err != nil {
		t.Fatalf("Validate(Moving) = %v", err)
	}
	if err := (Patch{}).Validate(); err != nil {
		t.Fatalf("Validate(empty patch) = %v", err)
	}
	if err := (Patch{}).WithStatus("").Validate(); !errors.Is(err, ErrEmptyStatus) {
		t.Fatalf("Validate(status \"\") = %v, want ErrEmptyStatus", err)
	}
}
