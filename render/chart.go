// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package render

import (
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ClusterSizes writes a bar chart of per-cluster populations to the
// named file. The format is inferred from the file extension.
func ClusterSizes(path string, clusters []int) error {
	if len(clusters) == 0 {
		return errors.E(errors.Invalid, "render: empty dataset")
	}
	counts := make(map[int]int)
	for _, c := range clusters {
		counts[c]++
	}
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var (
		values = make(plotter.Values, len(ids))
		names  = make([]string, len(ids))
	)
	for i, id := range ids {
		values[i] = float64(counts[id])
		names[i] = strconv.Itoa(id)
	}
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "cluster populations"
	p.X.Label.Text = "cluster"
	p.Y.Label.Text = "samples"
	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.NominalX(names...)
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
