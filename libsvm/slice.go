// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package libsvm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigslice"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/bigslice/sliceio"
	"github.com/grailbio/slicemodel"
)

// records reads sparse labeled-vector files into a slice of
// (label, features), one shard per file.
var records = bigslice.Func(func(paths []string, dim int) bigslice.Slice {
	ctx := context.Background()
	type state struct {
		reader *Reader
		file   file.File
	}
	return bigslice.ReaderFunc(len(paths), func(shard int, state *state, labels []float64, vecs [][]float64) (n int, err error) {
		if state.file == nil {
			log.Printf("libsvm: reading %s", paths[shard])
			state.file, err = file.Open(ctx, paths[shard])
			if err != nil {
				return
			}
			state.reader = NewReader(state.file.Reader(ctx), dim)
		}
		for i := range labels {
			rec, err := state.reader.Read()
			if err == io.EOF {
				state.file.Close(ctx)
				return i, sliceio.EOF
			}
			if err != nil {
				return i, fmt.Errorf("%s: %v", paths[shard], err)
			}
			labels[i] = rec.Label
			vecs[i] = rec.Features
		}
		return len(labels), nil
	})
})

// List returns the data files at or under url in lexical order.
// Directory listings skip entries that look like checksums or
// bookkeeping files (leading "." or "_").
func List(ctx context.Context, url string) ([]string, error) {
	var paths []string
	lst := file.List(ctx, url)
	for lst.Scan() {
		base := lst.Path()
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
			continue
		}
		paths = append(paths, lst.Path())
	}
	if err := lst.Err(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		// A listing of a non-directory path is empty; treat the URL
		// as a single data file.
		paths = []string{url}
	}
	sort.Strings(paths)
	return paths, nil
}

// Load reads the sparse labeled-vector dataset at or under url,
// parsing feature vectors of the declared dimension dim on the
// provided session, one shard per file. The loaded vectors are
// stored under the default feature column.
func Load(ctx context.Context, sess *exec.Session, url string, dim int) (*slicemodel.Dataset, error) {
	paths, err := List(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("libsvm: list %s: %v", url, err)
	}
	res, err := sess.Run(ctx, records, paths, dim)
	if err != nil {
		return nil, fmt.Errorf("libsvm: load %s: %v", url, err)
	}
	var (
		recs  []slicemodel.Record
		label float64
		vec   []float64
	)
	scan := res.Scanner()
	defer scan.Close()
	for scan.Scan(ctx, &label, &vec) {
		rec := slicemodel.Record{Label: label, Features: vec}
		vec = nil
		recs = append(recs, rec)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("libsvm: scan %s: %v", url, err)
	}
	log.Printf("libsvm: loaded %d records from %s", len(recs), url)
	return slicemodel.NewDataset(slicemodel.FeatureCol, recs), nil
}
