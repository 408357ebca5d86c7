package router

import "math"

// cholesky returns the lower-triangular factor L such that A = L·Lᵀ. A must
// be symmetric positive-definite; the router's rank-one update (A += xxᵀ on
// top of an identity prior) guarantees this for every arm.
func cholesky(a [][]float64) [][]float64 {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum < 0 {
					sum = 0
				}
				l[i][j] = math.Sqrt(sum)
			} else if l[j][j] != 0 {
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return l
}

// choleskySolve solves A·x = rhs given A's Cholesky factor L, by forward
// substitution (L·y = rhs) followed by back substitution (Lᵀ·x = y).
func choleskySolve(l [][]float64, rhs []float64) []float64 {
	n := len(rhs)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := rhs[i]
		for k := 0; k < i; k++ {
			sum -= l[i][k] * y[k]
		}
		if l[i][i] != 0 {
			y[i] = sum / l[i][i]
		}
	}
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := y[i]
		for k := i + 1; k < n; k++ {
			sum -= l[k][i] * x[k]
		}
		if l[i][i] != 0 {
			x[i] = sum / l[i][i]
		}
	}
	return x
}

func identity(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// addOuter mutates a in place: a += x·xᵀ. Preserves symmetric
// positive-definiteness since it adds a rank-one PSD term to an SPD matrix.
func addOuter(a [][]float64, x []float64) {
	for i := range x {
		for j := range x {
			a[i][j] += x[i] * x[j]
		}
	}
}

func cloneMatrix(a [][]float64) [][]float64 {
	out := make([][]float64, len(a))
	for i, row := range a {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
