// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package slicemodel provides building blocks for machine learning
	pipelines that combine bigslice computations with remotely trained
	and hosted models. A pipeline is an ordered list of estimator
	stages; fitting a pipeline produces a model whose stages are the
	fitted transformers, possibly bound to resources provisioned on a
	remote platform.

	Pipelines follow the usual estimator/transformer contract: an
	Estimator configures a stage and learns its parameters from a
	dataset; the resulting Transformer applies the learned
	transformation to new datasets. Estimators that train remotely
	return transformers that also implement Deleter so that the
	resources they provision can be released when no longer needed.

	Stages communicate through named dataset columns. Each stage reads
	its configured input column and attaches one or more output
	columns, leaving all other columns intact.
*/
package slicemodel

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/bigslice/exec"
)

// An Estimator configures a single pipeline stage. Fitting an
// estimator learns the stage's parameters from a dataset, returning
// the fitted transformer. Estimators that perform distributed
// computation do so on the provided session; estimators that train
// remotely may ignore it.
type Estimator interface {
	// Name returns a short diagnostic name for the stage.
	Name() string
	// Fit learns the stage's parameters from the dataset.
	Fit(ctx context.Context, sess *exec.Session, d *Dataset) (Transformer, error)
}

// A Transformer is a fitted pipeline stage. Transform applies the
// learned transformation, returning a new dataset; the input dataset
// is not modified.
type Transformer interface {
	// Name returns a short diagnostic name for the stage.
	Name() string
	// Transform applies the stage to the dataset.
	Transform(ctx context.Context, d *Dataset) (*Dataset, error)
}

// Deleter is implemented by transformers that hold resources
// provisioned on a remote platform. Delete releases all such
// resources; it attempts every deletion even if some fail.
type Deleter interface {
	Delete(ctx context.Context) error
}

// A Pipeline is an ordered list of estimator stages. Pipelines are
// fixed at construction: stages may not be added or removed later.
type Pipeline struct {
	stages []Estimator
}

// NewPipeline returns a pipeline comprising the provided stages, to
// be fitted in order.
func NewPipeline(stages ...Estimator) *Pipeline {
	return &Pipeline{stages: stages}
}

// Fit fits the pipeline's stages in order: each stage is fitted on
// the dataset as transformed by the stages before it. Fit returns a
// model containing the fitted transformers. Fit blocks until every
// stage, including remotely trained stages, has completed.
func (p *Pipeline) Fit(ctx context.Context, sess *exec.Session, d *Dataset) (*Model, error) {
	if len(p.stages) == 0 {
		return nil, fmt.Errorf("slicemodel: fit of empty pipeline")
	}
	fitted := make([]Transformer, len(p.stages))
	for i, stage := range p.stages {
		var err error
		fitted[i], err = stage.Fit(ctx, sess, d)
		if err != nil {
			return nil, fmt.Errorf("slicemodel: fit stage %s: %v", stage.Name(), err)
		}
		// Stages downstream see the data as transformed by this
		// stage; the last stage's output is not needed for fitting.
		if i < len(p.stages)-1 {
			d, err = fitted[i].Transform(ctx, d)
			if err != nil {
				return nil, fmt.Errorf("slicemodel: transform stage %s: %v", stage.Name(), err)
			}
		}
	}
	return &Model{stages: fitted}, nil
}

// A Model is a fitted pipeline. Models are immutable; Transform may
// be called any number of times.
type Model struct {
	stages []Transformer
}

// Stages returns the model's fitted transformers in pipeline order.
func (m *Model) Stages() []Transformer {
	stages := make([]Transformer, len(m.stages))
	copy(stages, m.stages)
	return stages
}

// Transform applies the model's stages in order, returning the fully
// transformed dataset.
func (m *Model) Transform(ctx context.Context, d *Dataset) (*Dataset, error) {
	var err error
	for _, stage := range m.stages {
		d, err = stage.Transform(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("slicemodel: transform stage %s: %v", stage.Name(), err)
		}
	}
	return d, nil
}

// Delete releases remote resources held by the model's stages. All
// stages implementing Deleter are visited even if earlier deletions
// fail; the failures are joined into the returned error.
func (m *Model) Delete(ctx context.Context) error {
	var failures []string
	for _, stage := range m.stages {
		d, ok := stage.(Deleter)
		if !ok {
			continue
		}
		if err := d.Delete(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("stage %s: %v", stage.Name(), err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("slicemodel: delete: %s", strings.Join(failures, "; "))
	}
	return nil
}
