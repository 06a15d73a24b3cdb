package simulation

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestBoxInteriorDistances(t *testing.T) {
	box := BoxInterior{Min: Vec2{X: 0, Y: 0}, Max: Vec2{X: 10, Y: 4}}
	if d := box.Sample(Vec2{X: 5, Y: 2}); !almostEqual(d, 2) {
		t.Fatalf("expected 2 from the nearest wall, got %f", d)
	}
	if d := box.Sample(Vec2{X: 11, Y: 2}); d >= 0 {
		t.Fatalf("outside the box must be negative, got %f", d)
	}
	normal := Normal(box, Vec2{X: 9.5, Y: 2})
	if !almostEqual(normal.X, -1) || !almostEqual(normal.Y, 0) {
		t.Fatalf("expected normal pointing away from the right wall, got %+v", normal)
	}
}

func TestUnionPicksClosestSolid(t *testing.T) {
	arena := Union(
		BoxInterior{Min: Vec2{}, Max: Vec2{X: 100, Y: 100}},
		CircleField{Center: Vec2{X: 50, Y: 50}, Radius: 10},
	)
	if d := arena.Sample(Vec2{X: 50, Y: 65}); !almostEqual(d, 5) {
		t.Fatalf("expected 5 from the pillar, got %f", d)
	}
	hit, clearance := Clearance(arena, Vec2{X: 50, Y: 62}, 3)
	if !hit || !almostEqual(clearance, -1) {
		t.Fatalf("expected contact with 1 unit penetration, got %v %f", hit, clearance)
	}
	normal := Normal(arena, Vec2{X: 50, Y: 62})
	if !almostEqual(normal.X, 0) || !almostEqual(normal.Y, 1) {
		t.Fatalf("expected normal pointing off the pillar, got %+v", normal)
	}
}

func TestReflect(t *testing.T) {
	got := Reflect(Vec2{X: 3, Y: -4}, Vec2{X: 0, Y: 1})
	if !almostEqual(got.X, 3) || !almostEqual(got.Y, 4) {
		t.Fatalf("unexpected reflection %+v", got)
	}
	away := Reflect(Vec2{X: 3, Y: 4}, Vec2{X: 0, Y: 1})
	if away != (Vec2{X: 3, Y: 4}) {
		t.Fatalf("motion away from the surface must be kept, got %+v", away)
	}
	if (Vec2{}).Normalize() != (Vec2{}) {
		t.Fatalf("zero vector must normalise to zero")
	}
}
