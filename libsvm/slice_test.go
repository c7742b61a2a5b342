// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package libsvm_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/slicemodel"
	"github.com/grailbio/slicemodel/libsvm"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(body), 0666))
	}
}

func TestList(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeFiles(t, dir, map[string]string{
		"part-00000": "",
		"part-00001": "",
		"_SUCCESS":   "",
		".crc":       "",
	})
	ctx := context.Background()
	paths, err := libsvm.List(ctx, dir)
	assert.NoError(t, err)
	// Bookkeeping files are skipped; data files come back sorted.
	assert.EQ(t, paths, []string{
		filepath.Join(dir, "part-00000"),
		filepath.Join(dir, "part-00001"),
	})

	paths, err = libsvm.List(ctx, filepath.Join(dir, "part-00000"))
	assert.NoError(t, err)
	assert.EQ(t, paths, []string{filepath.Join(dir, "part-00000")})
}

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeFiles(t, dir, map[string]string{
		"part-00000": "0 1:1 3:3\n1 2:2\n",
		"part-00001": "2 1:4\n",
		"_SUCCESS":   "",
	})
	ctx := context.Background()
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	d, err := libsvm.Load(ctx, sess, dir, 3)
	assert.NoError(t, err)
	assert.EQ(t, d.Len(), 3)
	vecs, err := d.Vector(slicemodel.FeatureCol)
	assert.NoError(t, err)
	type rec struct {
		label    float64
		features []float64
	}
	recs := make([]rec, d.Len())
	for i := range recs {
		recs[i] = rec{d.Labels()[i], vecs[i]}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].label < recs[j].label })
	assert.EQ(t, recs, []rec{
		{0, []float64{1, 0, 3}},
		{1, []float64{0, 2, 0}},
		{2, []float64{4, 0, 0}},
	})
}

func TestLoadBadData(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeFiles(t, dir, map[string]string{
		"part-00000": "0 9:1\n",
	})
	ctx := context.Background()
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	_, err := libsvm.Load(ctx, sess, dir, 3)
	assert.NotNil(t, err)
}
