// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package render visualizes clustered image datasets. Flat feature
// vectors are rendered as square grayscale tiles and arranged in a
// gallery, one row block per predicted cluster.
package render

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// Gallery layout limits: at most perCluster samples from each
// cluster and at most maxSamples overall.
const (
	perCluster = 10
	maxSamples = 250
	pad        = 2
)

// Tile renders a flat vector as a square grayscale image. The
// vector's length must be a perfect square; its values are linearly
// rescaled to the full intensity range.
func Tile(x []float64) (*image.Gray, error) {
	side := int(math.Sqrt(float64(len(x))))
	if side*side != len(x) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("render: vector length %d is not a square", len(x)))
	}
	lo, hi := x[0], x[0]
	for _, v := range x {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	img := image.NewGray(image.Rect(0, 0, side, side))
	for i, v := range x {
		img.Pix[i] = uint8(math.Round((v - lo) * scale))
	}
	return img, nil
}

// Gallery renders up to ten sample vectors per predicted cluster,
// capped at 250 samples overall, as a grid of square tiles with one
// row block per cluster in ascending cluster order. Samples within a
// cluster are chosen by a deterministic hash of their dataset index,
// so repeated renderings of the same dataset agree.
func Gallery(vecs [][]float64, clusters []int) (*image.Gray, error) {
	if len(vecs) != len(clusters) {
		return nil, errors.E(errors.Invalid, "render: vectors and clusters have different lengths")
	}
	if len(vecs) == 0 {
		return nil, errors.E(errors.Invalid, "render: empty dataset")
	}
	side := int(math.Sqrt(float64(len(vecs[0]))))
	if side*side != len(vecs[0]) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("render: vector length %d is not a square", len(vecs[0])))
	}
	groups := sample(clusters)
	var (
		ids  = make([]int, 0, len(groups))
		rows = 0
	)
	for id, members := range groups {
		ids = append(ids, id)
		rows += (len(members) + perCluster - 1) / perCluster
	}
	sort.Ints(ids)
	var (
		cell = side + pad
		img  = image.NewGray(image.Rect(0, 0, perCluster*cell+pad, rows*cell+pad))
		row  = 0
	)
	for _, id := range ids {
		for i, index := range groups[id] {
			tile, err := Tile(vecs[index])
			if err != nil {
				return nil, err
			}
			var (
				x = pad + (i%perCluster)*cell
				y = pad + (row+i/perCluster)*cell
			)
			draw.Draw(img, image.Rect(x, y, x+side, y+side), tile, image.Point{}, draw.Src)
		}
		row += (len(groups[id]) + perCluster - 1) / perCluster
	}
	return img, nil
}

// sample selects up to perCluster member indices for each cluster,
// respecting the overall cap, preferring members with the smallest
// hash of their index. Clusters are filled in ascending order.
func sample(clusters []int) map[int][]int {
	members := make(map[int][]int)
	for i, c := range clusters {
		members[c] = append(members[c], i)
	}
	ids := make([]int, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var (
		groups = make(map[int][]int, len(members))
		total  = 0
	)
	for _, id := range ids {
		chosen := members[id]
		if len(chosen) > perCluster {
			sort.Slice(chosen, func(i, j int) bool {
				hi, hj := indexHash(chosen[i]), indexHash(chosen[j])
				if hi != hj {
					return hi < hj
				}
				return chosen[i] < chosen[j]
			})
			chosen = chosen[:perCluster]
		}
		if total+len(chosen) > maxSamples {
			chosen = chosen[:maxSamples-total]
		}
		// Display samples in dataset order.
		sort.Ints(chosen)
		groups[id] = chosen
		total += len(chosen)
		if total == maxSamples {
			break
		}
	}
	return groups
}

func indexHash(i int) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(i))
	return murmur3.Sum64(b[:])
}

// WritePNG encodes the image as PNG onto w.
func WritePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}
