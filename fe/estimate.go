/*
Copyright © 2020 the tempmort authors.
This file is part of tempmort.

tempmort is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

tempmort is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with tempmort.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package fe fits linear panel models with entity fixed effects and
// cluster-robust standard errors.
//
// Fitting is done in two steps. Demean applies the within transform,
// which removes the entity intercepts, and Estimate solves the least
// squares problem on the transformed data and calculates the
// covariance of the coefficients.
package fe

import (
	"fmt"
	"math"

	"github.com/spatialmodel/tempmort"
	"gonum.org/v1/gonum/mat"
)

// rankTol is the smallest allowed diagonal element of R in the QR
// decomposition of the column-normalized design matrix.
const rankTol = 1.e-9

// Options control estimation.
type Options struct {
	// SmallSample applies the G/(G-1)·(N-1)/(N-K) finite sample
	// correction to the clustered covariance, where G is the number of
	// clusters, N the number of observations and K the number of
	// regressors.
	SmallSample bool
}

// Model is a fitted fixed effects model. It is not modified after it is
// created.
type Model struct {
	// Names are the names of the coefficients.
	Names []string
	Coef  []float64

	// Cov is the cluster-robust covariance of Coef.
	Cov *mat.SymDense

	// Resid are the residuals of the within-transformed model.
	Resid []float64

	NObs, NEntities, NClusters int

	// DFResid is the residual degrees of freedom: the number of
	// observations minus the number of coefficients, the number of
	// entities and one.
	DFResid int

	RSS float64

	// R2Within is the R² of the within-transformed model.
	R2Within float64
}

// Estimate fits the least squares model of w.Y on w.X and calculates a
// covariance matrix that is robust to correlation among observations with
// the same value of clusters. It returns a *tempmort.RankDeficiencyError
// if the columns of w.X are not linearly independent.
func Estimate(w *Within, clusters []string, o Options) (*Model, error) {
	n, k := w.X.Dims()
	if len(clusters) != n {
		return nil, fmt.Errorf("fe: %d observations but %d cluster ids", n, len(clusters))
	}
	if n < k {
		return nil, &tempmort.RankDeficiencyError{Columns: w.Names[n:]}
	}
	df := n - k - w.NEntities - 1
	if df <= 0 {
		return nil, fmt.Errorf("fe: %d observations are not enough for %d coefficients and %d entities", n, k, w.NEntities)
	}

	// Normalize the columns so that the rank check does not depend on
	// their scale.
	norm := make([]float64, k)
	xs := mat.DenseCopyOf(w.X)
	for j := 0; j < k; j++ {
		norm[j] = mat.Norm(xs.ColView(j), 2)
	}
	var collinear []string
	for j, v := range norm {
		if v == 0 {
			collinear = append(collinear, w.Names[j])
		}
	}
	if len(collinear) > 0 {
		return nil, &tempmort.RankDeficiencyError{Columns: collinear}
	}
	for j := 0; j < k; j++ {
		col := xs.ColView(j).(*mat.VecDense)
		col.ScaleVec(1/norm[j], col)
	}

	var qr mat.QR
	qr.Factorize(xs)
	var r mat.Dense
	qr.RTo(&r)
	for j := 0; j < k; j++ {
		if math.Abs(r.At(j, j)) < rankTol {
			collinear = append(collinear, w.Names[j])
		}
	}
	if len(collinear) > 0 {
		return nil, &tempmort.RankDeficiencyError{Columns: collinear}
	}

	y := mat.NewVecDense(n, w.Y)
	var gamma mat.Dense
	if err := qr.SolveTo(&gamma, false, y); err != nil {
		return nil, &tempmort.RankDeficiencyError{}
	}

	m := &Model{
		Names:     w.Names,
		Coef:      make([]float64, k),
		Resid:     make([]float64, n),
		NObs:      n,
		NEntities: w.NEntities,
		DFResid:   df,
	}
	for j := range m.Coef {
		m.Coef[j] = gamma.At(j, 0) / norm[j]
	}
	var tss float64
	for i := 0; i < n; i++ {
		fit := 0.
		for j, b := range m.Coef {
			fit += w.X.At(i, j) * b
		}
		m.Resid[i] = w.Y[i] - fit
		m.RSS += m.Resid[i] * m.Resid[i]
		tss += w.Y[i] * w.Y[i]
	}
	if tss > 0 {
		m.R2Within = 1 - m.RSS/tss
	}

	covScaled, g, err := clusterCov(xs, m.Resid, clusters)
	if err != nil {
		return nil, err
	}
	m.NClusters = g
	c := 1.
	if o.SmallSample && g > 1 {
		c = float64(g) / float64(g-1) * float64(n-1) / float64(n-k)
	}
	m.Cov = mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := (covScaled.At(i, j) + covScaled.At(j, i)) / 2
			m.Cov.SetSym(i, j, c*v/(norm[i]*norm[j]))
		}
	}
	return m, nil
}

// clusterCov returns the sandwich covariance
// (X'X)⁻¹ (Σ_g X_g'u_g u_g'X_g) (X'X)⁻¹ and the number of clusters.
func clusterCov(x *mat.Dense, resid []float64, clusters []string) (*mat.Dense, int, error) {
	n, k := x.Dims()
	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, 0, &tempmort.RankDeficiencyError{}
	}
	var bread mat.SymDense
	if err := chol.InverseTo(&bread); err != nil {
		return nil, 0, &tempmort.RankDeficiencyError{}
	}

	idx := make(map[string]int)
	var scores []*mat.VecDense
	for i := 0; i < n; i++ {
		g, ok := idx[clusters[i]]
		if !ok {
			g = len(scores)
			idx[clusters[i]] = g
			scores = append(scores, mat.NewVecDense(k, nil))
		}
		scores[g].AddScaledVec(scores[g], resid[i], x.RowView(i))
	}
	meat := mat.NewSymDense(k, nil)
	for _, s := range scores {
		meat.SymRankOne(meat, 1, s)
	}

	var tmp, cov mat.Dense
	tmp.Mul(&bread, meat)
	cov.Mul(&tmp, &bread)
	return &cov, len(scores), nil
}

// Index returns the position of the named coefficient, or -1.
func (m *Model) Index(name string) int {
	for i, n := range m.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// StdErr returns the standard errors of the coefficients.
func (m *Model) StdErr() []float64 {
	se := make([]float64, len(m.Coef))
	for i := range se {
		se[i] = math.Sqrt(m.Cov.At(i, i))
	}
	return se
}

// Subset returns the named coefficients and the block of the covariance
// matrix that belongs to them.
func (m *Model) Subset(names ...string) ([]float64, *mat.SymDense, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = m.Index(n)
		if idx[i] < 0 {
			return nil, nil, fmt.Errorf("fe: model has no coefficient %q", n)
		}
	}
	coef := make([]float64, len(names))
	cov := mat.NewSymDense(len(names), nil)
	for i, ii := range idx {
		coef[i] = m.Coef[ii]
		for j := i; j < len(idx); j++ {
			cov.SetSym(i, j, m.Cov.At(ii, idx[j]))
		}
	}
	return coef, cov, nil
}
