// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pca implements a principal component analysis pipeline
// stage. Fitting computes the dataset's first and second moments in
// a distributed bigslice computation, then eigendecomposes the
// resulting covariance matrix locally; the dimension of the data
// enters the local computation only through the d-by-d scatter
// matrix, never the number of samples.
package pca

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigslice"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/slicemodel"
	"github.com/spaolacci/murmur3"
	"gonum.org/v1/gonum/mat"
)

// OutCol is the default column under which projected vectors are
// stored.
const OutCol = "projected"

const defaultShards = 8

// moments accumulates the count, coordinate sums, and (row-major)
// scatter matrix of a set of vectors.
type moments struct {
	Count   int64
	Dim     int
	Sum     []float64
	Scatter []float64
}

func newMoments(dim int) *moments {
	return &moments{
		Dim:     dim,
		Sum:     make([]float64, dim),
		Scatter: make([]float64, dim*dim),
	}
}

func (m *moments) add(x []float64) {
	m.Count++
	d := m.Dim
	for i, xi := range x {
		m.Sum[i] += xi
		row := m.Scatter[i*d : (i+1)*d]
		for j, xj := range x {
			row[j] += xi * xj
		}
	}
}

func (m *moments) merge(n *moments) {
	m.Count += n.Count
	for i, v := range n.Sum {
		m.Sum[i] += v
	}
	for i, v := range n.Scatter {
		m.Scatter[i] += v
	}
}

// computeMoments computes per-bucket moments of the provided
// vectors. Rows are assigned to buckets by hashing their contents so
// that accumulation parallelizes across the session regardless of
// the input sharding.
var computeMoments = bigslice.Func(func(vecs [][]float64, nshard int) bigslice.Slice {
	slice := bigslice.Const(nshard, vecs)
	slice = bigslice.Map(slice, func(x []float64) (int, []float64) {
		return bucket(x, nshard), x
	})
	slice = bigslice.Fold(slice, func(acc *moments, x []float64) *moments {
		if acc == nil {
			acc = newMoments(len(x))
		}
		acc.add(x)
		return acc
	})
	return slice
})

// bucket assigns a vector to one of n accumulation buckets by
// hashing its contents.
func bucket(x []float64, n int) int {
	h := murmur3.New64()
	var b [8]byte
	for _, v := range x {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		h.Write(b[:])
	}
	return int(h.Sum64() % uint64(n))
}

// PCA is an estimator that learns a projection onto the K principal
// components of its input column.
type PCA struct {
	// K is the target dimension.
	K int
	// InCol and OutCol name the stage's input and output columns.
	// They default to the loader's feature column and to OutCol.
	InCol, OutCol string
	// Shards is the number of shards used for the distributed moment
	// computation. It defaults to a small constant suitable for
	// local sessions.
	Shards int
}

// New returns a PCA estimator targeting dimension k with default
// column names.
func New(k int) *PCA {
	return &PCA{K: k, InCol: slicemodel.FeatureCol, OutCol: OutCol}
}

// Name implements slicemodel.Estimator.
func (p *PCA) Name() string { return "pca" }

// Fit computes the top-K principal components of the input column on
// the provided session, returning the fitted projection.
func (p *PCA) Fit(ctx context.Context, sess *exec.Session, d *slicemodel.Dataset) (slicemodel.Transformer, error) {
	vecs, err := d.Vector(p.InCol)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.E(errors.Invalid, "pca: empty dataset")
	}
	dim := len(vecs[0])
	if p.K <= 0 || p.K > dim {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pca: target dimension %d out of range [1,%d]", p.K, dim))
	}
	nshard := p.Shards
	if nshard <= 0 {
		nshard = defaultShards
	}
	log.Printf("pca: computing moments of %d vectors (dim %d) on %d shards", len(vecs), dim, nshard)
	res, err := sess.Run(ctx, computeMoments, vecs, nshard)
	if err != nil {
		return nil, fmt.Errorf("pca: moments: %v", err)
	}
	total := newMoments(dim)
	var (
		key     int
		partial *moments
	)
	scan := res.Scanner()
	defer scan.Close()
	for scan.Scan(ctx, &key, &partial) {
		total.merge(partial)
		partial = nil
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("pca: moments: %v", err)
	}
	if total.Count != int64(len(vecs)) {
		return nil, fmt.Errorf("pca: accumulated %d of %d vectors", total.Count, len(vecs))
	}
	mean, components := decompose(total, p.K)
	log.Printf("pca: fitted %d components", p.K)
	return &Projection{
		InCol:      p.InCol,
		OutCol:     p.OutCol,
		Mean:       mean,
		Components: components,
	}, nil
}

// decompose returns the mean vector and the d-by-k matrix whose
// columns are the top-k eigenvectors of the covariance implied by
// the moments, ordered by decreasing eigenvalue.
func decompose(m *moments, k int) ([]float64, *mat.Dense) {
	var (
		d    = m.Dim
		n    = float64(m.Count)
		mean = make([]float64, d)
	)
	for i, s := range m.Sum {
		mean[i] = s / n
	}
	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			cov.SetSym(i, j, m.Scatter[i*d+j]/n-mean[i]*mean[j])
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		// The covariance is symmetric by construction; Factorize
		// fails only on invalid input.
		panic("pca: eigendecomposition failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	// Eigenvalues are returned in ascending order; select the top k.
	order := make([]int, d)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return values[order[i]] > values[order[j]] })
	components := mat.NewDense(d, k, nil)
	for j := 0; j < k; j++ {
		col := order[j]
		for i := 0; i < d; i++ {
			components.Set(i, j, vectors.At(i, col))
		}
	}
	return mean, components
}

// A Projection is a fitted PCA stage: a linear map from the input
// dimension onto the principal subspace.
type Projection struct {
	InCol, OutCol string
	// Mean is the per-coordinate mean subtracted before projection.
	Mean []float64
	// Components is the d-by-k projection matrix.
	Components *mat.Dense
}

// Name implements slicemodel.Transformer.
func (t *Projection) Name() string { return "pca" }

// Dim returns the projection's target dimension.
func (t *Projection) Dim() int {
	_, k := t.Components.Dims()
	return k
}

// Apply projects a single vector onto the principal subspace.
func (t *Projection) Apply(x []float64) []float64 {
	d, k := t.Components.Dims()
	y := make([]float64, k)
	for j := 0; j < k; j++ {
		var sum float64
		for i := 0; i < d; i++ {
			sum += (x[i] - t.Mean[i]) * t.Components.At(i, j)
		}
		y[j] = sum
	}
	return y
}

// Transform projects the input column, storing the reduced vectors
// under the output column.
func (t *Projection) Transform(ctx context.Context, d *slicemodel.Dataset) (*slicemodel.Dataset, error) {
	vecs, err := d.Vector(t.InCol)
	if err != nil {
		return nil, err
	}
	dim, _ := t.Components.Dims()
	projected := make([][]float64, len(vecs))
	for i, x := range vecs {
		if len(x) != dim {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("pca: vector %d has dimension %d, want %d", i, len(x), dim))
		}
		projected[i] = t.Apply(x)
	}
	return d.WithVector(t.OutCol, projected)
}
