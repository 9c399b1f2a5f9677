package geometry

import (
	"math"

	"golang.org/x/image/math/f64"
)

// Point is a 2D point in pixel or normalized space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance between two points.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Affine maps (x, y) to (A*x + B*y + TX, C*x + D*y + TY).
type Affine struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	TX float64 `json:"tx"`
	TY float64 `json:"ty"`
}

const degenerateEpsilon = 1e-12

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{A: 1, D: 1}
}

// Scaling returns a transform scaling each axis independently.
func Scaling(sx, sy float64) Affine {
	return Affine{A: sx, D: sy}
}

// Translation returns a pure translation.
func Translation(tx, ty float64) Affine {
	return Affine{A: 1, D: 1, TX: tx, TY: ty}
}

// Similarity returns a rotation by theta radians with uniform scale followed
// by a translation.
func Similarity(scale, theta, tx, ty float64) Affine {
	cos := scale * math.Cos(theta)
	sin := scale * math.Sin(theta)
	return Affine{A: cos, B: -sin, C: sin, D: cos, TX: tx, TY: ty}
}

// Apply maps p through the transform.
func (t Affine) Apply(p Point) Point {
	return Point{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Det is the determinant of the linear part.
func (t Affine) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// ScaleFactor is the geometric mean scale of the linear part.
func (t Affine) ScaleFactor() float64 {
	return math.Sqrt(math.Abs(t.Det()))
}

// Invert returns the inverse transform. ok is false when the transform is
// singular.
func (t Affine) Invert() (Affine, bool) {
	det := t.Det()
	if math.Abs(det) < degenerateEpsilon {
		return Affine{}, false
	}
	inv := Affine{
		A: t.D / det,
		B: -t.B / det,
		C: -t.C / det,
		D: t.A / det,
	}
	inv.TX = -(inv.A*t.TX + inv.B*t.TY)
	inv.TY = -(inv.C*t.TX + inv.D*t.TY)
	return inv, true
}

// Then returns the transform that applies t first and next second.
func (t Affine) Then(next Affine) Affine {
	return Affine{
		A:  next.A*t.A + next.B*t.C,
		B:  next.A*t.B + next.B*t.D,
		C:  next.C*t.A + next.D*t.C,
		D:  next.C*t.B + next.D*t.D,
		TX: next.A*t.TX + next.B*t.TY + next.TX,
		TY: next.C*t.TX + next.D*t.TY + next.TY,
	}
}

// ToAff3 converts to the matrix layout used by golang.org/x/image/draw.
func (t Affine) ToAff3() f64.Aff3 {
	return f64.Aff3{t.A, t.B, t.TX, t.C, t.D, t.TY}
}

// Coefficients returns the transform as a flat slice for persistence.
func (t Affine) Coefficients() []float64 {
	return []float64{t.A, t.B, t.TX, t.C, t.D, t.TY}
}

// FitSimilarity returns the unique similarity transform taking p1->q1 and
// p2->q2. ok is false when p1 and p2 coincide.
func FitSimilarity(p1, p2, q1, q2 Point) (Affine, bool) {
	dp := complex(p2.X-p1.X, p2.Y-p1.Y)
	if math.Hypot(real(dp), imag(dp)) < 1e-9 {
		return Affine{}, false
	}
	dq := complex(q2.X-q1.X, q2.Y-q1.Y)
	a := dq / dp
	b := complex(q1.X, q1.Y) - a*complex(p1.X, p1.Y)

	return Affine{
		A: real(a), B: -imag(a),
		C: imag(a), D: real(a),
		TX: real(b), TY: imag(b),
	}, true
}

// FitAffine returns the least-squares affine transform taking src[i] to
// dst[i]. It needs at least three non-collinear pairs.
func FitAffine(src, dst []Point) (Affine, bool) {
	if len(src) != len(dst) || len(src) < 3 {
		return Affine{}, false
	}

	// Normal equations M * [a b t]^T = v for each output axis, where
	// M = sum([x y 1]^T [x y 1]).
	var m [3][3]float64
	var vx, vy [3]float64
	for i := range src {
		row := [3]float64{src[i].X, src[i].Y, 1}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m[r][c] += row[r] * row[c]
			}
			vx[r] += row[r] * dst[i].X
			vy[r] += row[r] * dst[i].Y
		}
	}

	x, ok := solve3(m, vx)
	if !ok {
		return Affine{}, false
	}
	y, ok := solve3(m, vy)
	if !ok {
		return Affine{}, false
	}

	return Affine{A: x[0], B: x[1], TX: x[2], C: y[0], D: y[1], TY: y[2]}, true
}

// solve3 solves a 3x3 linear system with Cramer's rule.
func solve3(m [3][3]float64, v [3]float64) ([3]float64, bool) {
	det := det3(m)
	scale := 0.0
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			scale = math.Max(scale, math.Abs(m[r][c]))
		}
	}
	if scale == 0 || math.Abs(det) < 1e-9*scale*scale*scale {
		return [3]float64{}, false
	}

	var out [3]float64
	for col := 0; col < 3; col++ {
		mc := m
		for r := 0; r < 3; r++ {
			mc[r][col] = v[r]
		}
		out[col] = det3(mc) / det
	}
	return out, true
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}
