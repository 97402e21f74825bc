// Package simd provides scalar-unrolled inner kernels for the hot loops of
// the CPU backend and the einsum executor.
package simd

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// DotProductCmplx computes the unconjugated dot product of two complex128
// vectors. Matrix products sum plain element products; no conjugation.
func DotProductCmplx(a, b []complex128) complex128 {
	var sum complex128
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
