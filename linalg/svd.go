// Package linalg wraps the singular value decomposition primitives used for
// principal-component initialization of low-rank adapters.
package linalg

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SVD computes a thin singular value decomposition of a truncated to its top
// rank components: a ≈ u · diag(s) · vt, with u of size m×rank, s the rank
// largest singular values in descending order, and vt of size rank×n.
func SVD(a mat.Matrix, rank int) (u *mat.Dense, s []float64, vt *mat.Dense, err error) {
	m, n := a.Dims()
	if rank < 1 || rank > min(m, n) {
		return nil, nil, nil, fmt.Errorf("linalg: rank %d out of range for %dx%d matrix", rank, m, n)
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, nil, nil, fmt.Errorf("linalg: svd of %dx%d matrix did not converge", m, n)
	}

	var uf, vf mat.Dense
	svd.UTo(&uf)
	svd.VTo(&vf)
	s = svd.Values(nil)[:rank]

	u = mat.DenseCopyOf(uf.Slice(0, m, 0, rank))
	vt = mat.NewDense(rank, n, nil)
	vt.Copy(vf.Slice(0, n, 0, rank).T())
	return u, s, vt, nil
}

// SVDLowRank computes a randomized rank-truncated singular value
// decomposition of a, in the same form as SVD. It sketches the range of a
// with a Gaussian test matrix and refines it with niter subspace iterations,
// re-orthonormalizing through QR at each step. The result is approximate;
// accuracy improves with niter at the cost of extra passes over a. The
// decomposition is deterministic for a given src.
func SVDLowRank(a mat.Matrix, rank, niter int, src rand.Source) (u *mat.Dense, s []float64, vt *mat.Dense, err error) {
	m, n := a.Dims()
	if rank < 1 || rank > min(m, n) {
		return nil, nil, nil, fmt.Errorf("linalg: rank %d out of range for %dx%d matrix", rank, m, n)
	}
	if niter < 0 {
		return nil, nil, nil, fmt.Errorf("linalg: niter must be non-negative, got %d", niter)
	}

	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	omega := mat.NewDense(n, rank, nil)
	for i := range n {
		for j := range rank {
			omega.Set(i, j, normal.Rand())
		}
	}

	// Range finder: q spans an approximate basis for the column space of a.
	y := mat.NewDense(m, rank, nil)
	y.Mul(a, omega)
	q := orthonormalize(y)
	for range niter {
		z := mat.NewDense(n, rank, nil)
		z.Mul(a.T(), q)
		qz := orthonormalize(z)

		y.Mul(a, qz)
		q = orthonormalize(y)
	}

	// Project a into the subspace and decompose the small matrix exactly.
	b := mat.NewDense(rank, n, nil)
	b.Mul(q.T(), a)
	ub, s, vt, err := SVD(b, rank)
	if err != nil {
		return nil, nil, nil, err
	}

	u = mat.NewDense(m, rank, nil)
	u.Mul(q, ub)
	return u, s, vt, nil
}

// orthonormalize returns an orthonormal basis for the columns of a via QR.
func orthonormalize(a *mat.Dense) *mat.Dense {
	m, k := a.Dims()
	var qr mat.QR
	qr.Factorize(a)
	var q mat.Dense
	qr.QTo(&q)
	return mat.DenseCopyOf(q.Slice(0, m, 0, k))
}
