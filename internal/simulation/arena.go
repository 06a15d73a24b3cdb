package simulation

import "math"

// Vec2 is a position or velocity on the arena plane.
type Vec2 struct {
	X float64
	Y float64
}

// Add returns the component wise sum of two vectors.
func (v Vec2) Add(other Vec2) Vec2 { return Vec2{X: v.X + other.X, Y: v.Y + other.Y} }

// Sub returns the difference between two vectors.
func (v Vec2) Sub(other Vec2) Vec2 { return Vec2{X: v.X - other.X, Y: v.Y - other.Y} }

// Scale multiplies the vector by a scalar.
func (v Vec2) Scale(scalar float64) Vec2 { return Vec2{X: v.X * scalar, Y: v.Y * scalar} }

// Dot returns the scalar dot product of two vectors.
func (v Vec2) Dot(other Vec2) float64 { return v.X*other.X + v.Y*other.Y }

// Length computes the Euclidean norm of the vector.
func (v Vec2) Length() float64 { return math.Sqrt(v.Dot(v)) }

// Normalize produces a unit length vector; the zero vector stays zero.
func (v Vec2) Normalize() Vec2 {
	length := v.Length()
	if length == 0 {
		return Vec2{}
	}
	return v.Scale(1 / length)
}

// Field is a signed distance field: negative inside solid geometry, positive
// in free space.
type Field interface {
	Sample(point Vec2) float64
}

// FieldFunc adapts a function into a Field.
type FieldFunc func(Vec2) float64

// Sample invokes the wrapped function.
func (f FieldFunc) Sample(point Vec2) float64 { return f(point) }

// CircleField is a solid disc.
type CircleField struct {
	Center Vec2
	Radius float64
}

// Sample returns the distance from point to the disc edge.
func (c CircleField) Sample(point Vec2) float64 {
	return point.Sub(c.Center).Length() - c.Radius
}

// BoxInterior is the free space inside an axis-aligned rectangle whose walls
// are solid.
type BoxInterior struct {
	Min Vec2
	Max Vec2
}

// Sample returns the distance from point to the nearest wall.
func (b BoxInterior) Sample(point Vec2) float64 {
	return math.Min(
		math.Min(point.X-b.Min.X, b.Max.X-point.X),
		math.Min(point.Y-b.Min.Y, b.Max.Y-point.Y),
	)
}

// Union combines solids; the closest one wins.
func Union(fields ...Field) Field {
	return FieldFunc(func(point Vec2) float64 {
		best := math.Inf(1)
		for _, f := range fields {
			best = math.Min(best, f.Sample(point))
		}
		return best
	})
}

const gradientEpsilon = 1e-3

// Normal estimates the field gradient at point, pointing away from the
// nearest solid.
func Normal(field Field, point Vec2) Vec2 {
	//1.- Central differences keep the estimate symmetric around point.
	dx := field.Sample(Vec2{X: point.X + gradientEpsilon, Y: point.Y}) - field.Sample(Vec2{X: point.X - gradientEpsilon, Y: point.Y})
	dy := field.Sample(Vec2{X: point.X, Y: point.Y + gradientEpsilon}) - field.Sample(Vec2{X: point.X, Y: point.Y - gradientEpsilon})
	return Vec2{X: dx, Y: dy}.Normalize()
}

// Clearance reports whether a disc of radius at center touches the field and
// how much room is left.
func Clearance(field Field, center Vec2, radius float64) (bool, float64) {
	separation := field.Sample(center) - radius
	return separation <= 0, separation
}

// Reflect mirrors velocity about the surface with the given unit normal. Only
// motion into the surface is reflected.
func Reflect(velocity, normal Vec2) Vec2 {
	into := velocity.Dot(normal)
	if into >= 0 {
		return velocity
	}
	return velocity.Sub(normal.Scale(2 * into))
}
