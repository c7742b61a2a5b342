// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package slicemodel

import (
	"github.com/grailbio/base/errors"
)

// Default column names used by the stages in this repository.
const (
	// FeatureCol is the column under which loaders store raw feature
	// vectors.
	FeatureCol = "features"
	// LabelCol names the dataset's scalar labels.
	LabelCol = "label"
)

// A Record is a single labeled sample: a scalar label and a
// fixed-length numeric feature vector.
type Record struct {
	Label    float64
	Features []float64
}

// A Dataset is an ordered collection of samples with named columns.
// Every dataset has a label column and at least one vector column;
// stages attach additional vector, integer, or float columns.
// Datasets are immutable: the With methods return new datasets
// sharing unmodified columns with their receiver.
type Dataset struct {
	n      int
	labels []float64
	vecs   map[string][][]float64
	ints   map[string][]int
	floats map[string][]float64
}

// NewDataset returns a dataset over the provided records, storing
// their feature vectors under the column named col.
func NewDataset(col string, recs []Record) *Dataset {
	var (
		labels = make([]float64, len(recs))
		vecs   = make([][]float64, len(recs))
	)
	for i, r := range recs {
		labels[i] = r.Label
		vecs[i] = r.Features
	}
	return &Dataset{
		n:      len(recs),
		labels: labels,
		vecs:   map[string][][]float64{col: vecs},
	}
}

// Len returns the number of samples in the dataset.
func (d *Dataset) Len() int { return d.n }

// Labels returns the dataset's labels. The returned slice must not
// be modified.
func (d *Dataset) Labels() []float64 { return d.labels }

// Vector returns the named vector column. The returned slice must
// not be modified.
func (d *Dataset) Vector(col string) ([][]float64, error) {
	vecs, ok := d.vecs[col]
	if !ok {
		return nil, errors.E(errors.NotExist, "no vector column "+col)
	}
	return vecs, nil
}

// Int returns the named integer column.
func (d *Dataset) Int(col string) ([]int, error) {
	vals, ok := d.ints[col]
	if !ok {
		return nil, errors.E(errors.NotExist, "no integer column "+col)
	}
	return vals, nil
}

// Float returns the named float column.
func (d *Dataset) Float(col string) ([]float64, error) {
	vals, ok := d.floats[col]
	if !ok {
		return nil, errors.E(errors.NotExist, "no float column "+col)
	}
	return vals, nil
}

// WithVector returns a new dataset with the named vector column set
// to vecs, which must have one entry per sample.
func (d *Dataset) WithVector(col string, vecs [][]float64) (*Dataset, error) {
	if len(vecs) != d.n {
		return nil, errors.E(errors.Invalid, "column length mismatch")
	}
	e := d.clone()
	e.vecs[col] = vecs
	return e, nil
}

// WithInt returns a new dataset with the named integer column set to
// vals, which must have one entry per sample.
func (d *Dataset) WithInt(col string, vals []int) (*Dataset, error) {
	if len(vals) != d.n {
		return nil, errors.E(errors.Invalid, "column length mismatch")
	}
	e := d.clone()
	e.ints[col] = vals
	return e, nil
}

// WithFloat returns a new dataset with the named float column set to
// vals, which must have one entry per sample.
func (d *Dataset) WithFloat(col string, vals []float64) (*Dataset, error) {
	if len(vals) != d.n {
		return nil, errors.E(errors.Invalid, "column length mismatch")
	}
	e := d.clone()
	e.floats[col] = vals
	return e, nil
}

func (d *Dataset) clone() *Dataset {
	e := &Dataset{
		n:      d.n,
		labels: d.labels,
		vecs:   make(map[string][][]float64, len(d.vecs)+1),
		ints:   make(map[string][]int, len(d.ints)+1),
		floats: make(map[string][]float64, len(d.floats)+1),
	}
	for col, vecs := range d.vecs {
		e.vecs[col] = vecs
	}
	for col, vals := range d.ints {
		e.ints[col] = vals
	}
	for col, vals := range d.floats {
		e.floats[col] = vals
	}
	return e
}
