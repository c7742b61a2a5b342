// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pca

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/slicemodel"
	"github.com/grailbio/testutil/assert"
)

func randVecs(n, dim int, rng *rand.Rand) [][]float64 {
	vecs := make([][]float64, n)
	for i := range vecs {
		vecs[i] = make([]float64, dim)
		for j := range vecs[i] {
			vecs[i][j] = rng.NormFloat64()
		}
	}
	return vecs
}

func TestMoments(t *testing.T) {
	const (
		N   = 500
		dim = 7
	)
	rng := rand.New(rand.NewSource(0))
	vecs := randVecs(N, dim, rng)

	ctx := context.Background()
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	res, err := sess.Run(ctx, computeMoments, vecs, 4)
	assert.NoError(t, err)
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
	assert.NoError(t, scan.Err())

	serial := newMoments(dim)
	for _, x := range vecs {
		serial.add(x)
	}
	assert.EQ(t, total.Count, serial.Count)
	for i := range serial.Sum {
		if math.Abs(total.Sum[i]-serial.Sum[i]) > 1e-9 {
			t.Errorf("sum[%d]: got %v, want %v", i, total.Sum[i], serial.Sum[i])
		}
	}
	for i := range serial.Scatter {
		if math.Abs(total.Scatter[i]-serial.Scatter[i]) > 1e-6 {
			t.Errorf("scatter[%d]: got %v, want %v", i, total.Scatter[i], serial.Scatter[i])
		}
	}
}

func TestFitLine(t *testing.T) {
	// Points on a line through a nonzero mean: a single component
	// captures every sample exactly.
	const N = 200
	rng := rand.New(rand.NewSource(1))
	recs := make([]slicemodel.Record, N)
	ts := make([]float64, N)
	for i := range recs {
		ti := rng.NormFloat64()
		ts[i] = ti
		recs[i] = slicemodel.Record{Features: []float64{3 + ti, -1, 2 * ti}}
	}
	d := slicemodel.NewDataset(slicemodel.FeatureCol, recs)

	ctx := context.Background()
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	fitted, err := New(1).Fit(ctx, sess, d)
	assert.NoError(t, err)
	proj := fitted.(*Projection)
	assert.EQ(t, proj.Dim(), 1)

	var mean float64
	for _, ti := range ts {
		mean += ti
	}
	mean /= N
	norm := math.Sqrt(5) // direction (1, 0, 2)
	for i, rec := range recs {
		y := proj.Apply(rec.Features)
		want := (ts[i] - mean) * norm
		// The component's sign is arbitrary.
		if math.Abs(y[0]-want) > 1e-6 && math.Abs(y[0]+want) > 1e-6 {
			t.Errorf("sample %d: projected to %v, want ±%v", i, y[0], want)
		}
	}
}

func TestTransform(t *testing.T) {
	const (
		N   = 100
		dim = 10
		k   = 4
	)
	rng := rand.New(rand.NewSource(2))
	recs := make([]slicemodel.Record, N)
	for i := range recs {
		recs[i] = slicemodel.Record{Features: randVecs(1, dim, rng)[0]}
	}
	d := slicemodel.NewDataset(slicemodel.FeatureCol, recs)

	ctx := context.Background()
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	fitted, err := New(k).Fit(ctx, sess, d)
	assert.NoError(t, err)
	out, err := fitted.Transform(ctx, d)
	assert.NoError(t, err)
	projected, err := out.Vector(OutCol)
	assert.NoError(t, err)
	assert.EQ(t, len(projected), N)
	for _, y := range projected {
		assert.EQ(t, len(y), k)
	}
	// The input column is left intact.
	vecs, err := out.Vector(slicemodel.FeatureCol)
	assert.NoError(t, err)
	assert.EQ(t, len(vecs[0]), dim)
}

func TestFitErrors(t *testing.T) {
	ctx := context.Background()
	d := slicemodel.NewDataset(slicemodel.FeatureCol, []slicemodel.Record{
		{Features: []float64{1, 2}},
	})
	_, err := New(3).Fit(ctx, nil, d)
	assert.NotNil(t, err)
	_, err = New(0).Fit(ctx, nil, d)
	assert.NotNil(t, err)
	_, err = New(1).Fit(ctx, nil, slicemodel.NewDataset(slicemodel.FeatureCol, nil))
	assert.NotNil(t, err)
}
