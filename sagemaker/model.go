// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sagemaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/slicemodel"
	"golang.org/x/sync/errgroup"
)

// maxPayload bounds the size of a single endpoint invocation body,
// comfortably under the platform's request limit.
const maxPayload = 4 << 20

// invokeParallelism bounds the number of concurrent endpoint
// invocations during Transform.
const invokeParallelism = 4

// Resources names the remote resources provisioned by a fitted
// k-means stage. Unprovisioned resources are empty.
type Resources struct {
	TrainingJob    string
	Model          string
	EndpointConfig string
	Endpoint       string
}

// A Model is a fitted hosted k-means stage. Its first Transform
// provisions a hosted inference endpoint; subsequent Transforms
// reuse it. Models hold remote resources until Delete is called.
type Model struct {
	api                  *API
	inCol                string
	predictionCol        string
	distanceCol          string
	endpointInstanceType string
	poll                 time.Duration

	mu        sync.Mutex
	resources Resources
}

// Name implements slicemodel.Transformer.
func (m *Model) Name() string { return "kmeans" }

// Resources returns the names of the remote resources currently held
// by the model.
func (m *Model) Resources() Resources {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources
}

// Transform scores the input column on the hosted endpoint,
// provisioning the endpoint first if needed, and attaches the
// prediction and distance columns. Rows are scored in bounded-size
// batches, concurrently, preserving dataset order.
func (m *Model) Transform(ctx context.Context, d *slicemodel.Dataset) (*slicemodel.Dataset, error) {
	vecs, err := d.Vector(m.inCol)
	if err != nil {
		return nil, err
	}
	endpoint, err := m.ensureEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	var (
		clusters  = make([]int, len(vecs))
		distances = make([]float64, len(vecs))
	)
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, invokeParallelism)
	for begin := 0; begin < len(vecs); {
		batch, end := begin, batchEnd(vecs, begin)
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			preds, err := m.invoke(ctx, endpoint, vecs[batch:end])
			if err != nil {
				return err
			}
			for i, p := range preds {
				clusters[batch+i] = int(p.ClosestCluster)
				distances[batch+i] = p.DistanceToCluster
			}
			return nil
		})
		begin = end
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d, err = d.WithInt(m.predictionCol, clusters)
	if err != nil {
		return nil, err
	}
	return d.WithFloat(m.distanceCol, distances)
}

// ensureEndpoint provisions the hosted endpoint on first use and
// blocks until it is in service.
func (m *Model) ensureEndpoint(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resources.Endpoint != "" {
		return m.resources.Endpoint, nil
	}
	var (
		configName   = m.resources.Model + "-config"
		endpointName = m.resources.Model + "-endpoint"
	)
	log.Printf("sagemaker: creating endpoint config %s", configName)
	_, err := m.api.SageMaker.CreateEndpointConfigWithContext(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(configName),
		ProductionVariants: []*sagemaker.ProductionVariant{{
			VariantName:          aws.String("AllTraffic"),
			ModelName:            aws.String(m.resources.Model),
			InstanceType:         aws.String(m.endpointInstanceType),
			InitialInstanceCount: aws.Int64(1),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("sagemaker: create endpoint config %s: %v", configName, err)
	}
	m.resources.EndpointConfig = configName
	log.Printf("sagemaker: creating endpoint %s", endpointName)
	_, err = m.api.SageMaker.CreateEndpointWithContext(ctx, &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(endpointName),
		EndpointConfigName: aws.String(configName),
	})
	if err != nil {
		return "", fmt.Errorf("sagemaker: create endpoint %s: %v", endpointName, err)
	}
	for {
		out, err := m.api.SageMaker.DescribeEndpointWithContext(ctx, &sagemaker.DescribeEndpointInput{
			EndpointName: aws.String(endpointName),
		})
		if err != nil {
			return "", fmt.Errorf("sagemaker: describe endpoint %s: %v", endpointName, err)
		}
		switch status := aws.StringValue(out.EndpointStatus); status {
		case sagemaker.EndpointStatusInService:
			m.resources.Endpoint = endpointName
			return endpointName, nil
		case sagemaker.EndpointStatusFailed:
			return "", errors.E(errors.Remote,
				fmt.Sprintf("sagemaker: endpoint %s failed: %s", endpointName, aws.StringValue(out.FailureReason)))
		default:
			log.Printf("sagemaker: endpoint %s: %s", endpointName, status)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

type prediction struct {
	ClosestCluster    float64 `json:"closest_cluster"`
	DistanceToCluster float64 `json:"distance_to_cluster"`
}

// invoke scores one batch of vectors, returning one prediction per
// input row in order.
func (m *Model) invoke(ctx context.Context, endpoint string, vecs [][]float64) ([]prediction, error) {
	var body bytes.Buffer
	for _, x := range vecs {
		for i, v := range x {
			if i > 0 {
				body.WriteByte(',')
			}
			body.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		body.WriteByte('\n')
	}
	out, err := m.api.Runtime.InvokeEndpointWithContext(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(endpoint),
		ContentType:  aws.String("text/csv"),
		Accept:       aws.String("application/json"),
		Body:         body.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("sagemaker: invoke endpoint %s: %v", endpoint, err)
	}
	var resp struct {
		Predictions []prediction `json:"predictions"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("sagemaker: invoke endpoint %s: bad response: %v", endpoint, err)
	}
	if len(resp.Predictions) != len(vecs) {
		return nil, fmt.Errorf("sagemaker: invoke endpoint %s: %d predictions for %d rows", endpoint, len(resp.Predictions), len(vecs))
	}
	return resp.Predictions, nil
}

// batchEnd returns the end of the invocation batch starting at
// begin, bounded by the payload limit. At least one row is always
// included.
func batchEnd(vecs [][]float64, begin int) int {
	var (
		end  = begin
		size = 0
	)
	for end < len(vecs) {
		// Worst case ~25 bytes per value including the separator.
		rowSize := 25 * len(vecs[end])
		if end > begin && size+rowSize > maxPayload {
			break
		}
		size += rowSize
		end++
	}
	return end
}

// Delete releases the model's remote resources: the endpoint, its
// configuration, and the model, in that order. Every deletion is
// attempted even if an earlier one fails; the failures are joined
// into the returned error. The training job itself is terminal and
// holds no compute, so it is left for the platform's bookkeeping.
func (m *Model) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failures []string
	record := func(err error) {
		if err != nil {
			log.Error.Printf("sagemaker: %v", err)
			failures = append(failures, err.Error())
		}
	}
	if name := m.resources.Endpoint; name != "" {
		log.Printf("sagemaker: deleting endpoint %s", name)
		_, err := m.api.SageMaker.DeleteEndpointWithContext(ctx, &sagemaker.DeleteEndpointInput{
			EndpointName: aws.String(name),
		})
		if err == nil {
			m.resources.Endpoint = ""
		}
		record(err)
	}
	if name := m.resources.EndpointConfig; name != "" {
		log.Printf("sagemaker: deleting endpoint config %s", name)
		_, err := m.api.SageMaker.DeleteEndpointConfigWithContext(ctx, &sagemaker.DeleteEndpointConfigInput{
			EndpointConfigName: aws.String(name),
		})
		if err == nil {
			m.resources.EndpointConfig = ""
		}
		record(err)
	}
	if name := m.resources.Model; name != "" {
		log.Printf("sagemaker: deleting model %s", name)
		_, err := m.api.SageMaker.DeleteModelWithContext(ctx, &sagemaker.DeleteModelInput{
			ModelName: aws.String(name),
		})
		if err == nil {
			m.resources.Model = ""
		}
		record(err)
	}
	if len(failures) > 0 {
		return errors.E("sagemaker: cleanup: " + strings.Join(failures, "; "))
	}
	return nil
}
