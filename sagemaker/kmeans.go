// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sagemaker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/slicemodel"
	"github.com/grailbio/slicemodel/pca"
)

// Default column names for hosted k-means predictions.
const (
	// PredictionCol stores each sample's closest cluster.
	PredictionCol = "cluster"
	// DistanceCol stores each sample's distance to its closest
	// cluster's center.
	DistanceCol = "distance"
)

const (
	defaultInstanceType         = "ml.m4.xlarge"
	defaultEndpointInstanceType = "ml.t2.medium"
	defaultPoll                 = 30 * time.Second
	defaultTrainingMinutes      = 60
)

// KMeans is an estimator that trains the platform's built-in k-means
// algorithm on a remote training job. The fitted transformer scores
// datasets on a hosted inference endpoint that is provisioned lazily
// on first use.
type KMeans struct {
	// API is the platform client layer. Required.
	API *API
	// Region is the region in which to train and host. Required; it
	// must match the region of the API's service clients.
	Region string
	// RoleARN is the execution role passed to training and hosting.
	// Required.
	RoleARN string
	// Bucket and Prefix locate the object-storage staging area for
	// training data and model artifacts. Bucket is required.
	Bucket, Prefix string

	// K is the number of clusters. Required.
	K int
	// InCol names the vector column to cluster. It defaults to the
	// PCA stage's output column.
	InCol string
	// PredictionCol and DistanceCol name the attached output
	// columns. They default to the package defaults.
	PredictionCol, DistanceCol string

	// InstanceType and InstanceCount size the training job. They
	// default to a single general-purpose instance.
	InstanceType  string
	InstanceCount int64
	// EndpointInstanceType sizes the hosted endpoint.
	EndpointInstanceType string
	// Image overrides the algorithm image; when empty, the regional
	// registry of built-in algorithms is consulted.
	Image string
	// Poll is the interval at which remote job and endpoint states
	// are polled.
	Poll time.Duration

	// now is overridden in tests for stable resource names.
	now func() time.Time
}

// NewKMeans returns a k-means estimator with k clusters, staging
// data under the given bucket, with default column names and compute
// sizing.
func NewKMeans(api *API, region, role, bucket string, k int) *KMeans {
	return &KMeans{
		API:     api,
		Region:  region,
		RoleARN: role,
		Bucket:  bucket,
		Prefix:  "slicemodel",
		K:       k,
		InCol:   pca.OutCol,
	}
}

// Name implements slicemodel.Estimator.
func (e *KMeans) Name() string { return "kmeans" }

// Fit uploads the input column to the staging area, runs a remote
// training job to completion, and registers the resulting model with
// the platform. Fit blocks until the job reaches a terminal state;
// a failed job's reason is returned as the error. The returned
// transformer does not yet hold an endpoint; one is provisioned on
// its first Transform.
func (e *KMeans) Fit(ctx context.Context, _ *exec.Session, d *slicemodel.Dataset) (slicemodel.Transformer, error) {
	if e.API == nil || e.Bucket == "" || e.RoleARN == "" || e.K < 1 {
		return nil, errors.E(errors.Invalid, "sagemaker: kmeans estimator not fully configured")
	}
	inCol := e.InCol
	if inCol == "" {
		inCol = pca.OutCol
	}
	vecs, err := d.Vector(inCol)
	if err != nil {
		return nil, err
	}
	if len(vecs) < e.K {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sagemaker: %d samples for %d clusters", len(vecs), e.K))
	}
	dim := len(vecs[0])
	image := e.Image
	if image == "" {
		image, err = AlgorithmImage(e.Region, "kmeans")
		if err != nil {
			return nil, err
		}
	}
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	jobName := fmt.Sprintf("kmeans-%s", now().UTC().Format("20060102-150405"))
	var (
		trainKey  = fmt.Sprintf("%s/%s/train/data.csv", e.Prefix, jobName)
		trainURL  = fmt.Sprintf("s3://%s/%s", e.Bucket, trainKey)
		outputURL = fmt.Sprintf("s3://%s/%s/%s/output", e.Bucket, e.Prefix, jobName)
	)
	log.Printf("sagemaker: uploading %d vectors to %s", len(vecs), trainURL)
	_, err = e.API.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(e.Bucket),
		Key:    aws.String(trainKey),
		Body:   strings.NewReader(formatCSV(vecs)),
	})
	if err != nil {
		return nil, fmt.Errorf("sagemaker: upload training data: %v", err)
	}

	instanceType := e.InstanceType
	if instanceType == "" {
		instanceType = defaultInstanceType
	}
	instanceCount := e.InstanceCount
	if instanceCount <= 0 {
		instanceCount = 1
	}
	log.Printf("sagemaker: creating training job %s (image %s)", jobName, image)
	_, err = e.API.SageMaker.CreateTrainingJobWithContext(ctx, &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(jobName),
		RoleArn:         aws.String(e.RoleARN),
		AlgorithmSpecification: &sagemaker.AlgorithmSpecification{
			TrainingImage:     aws.String(image),
			TrainingInputMode: aws.String(sagemaker.TrainingInputModeFile),
		},
		HyperParameters: map[string]*string{
			"k":               aws.String(strconv.Itoa(e.K)),
			"feature_dim":     aws.String(strconv.Itoa(dim)),
			"mini_batch_size": aws.String(strconv.Itoa(miniBatchSize(len(vecs)))),
		},
		InputDataConfig: []*sagemaker.Channel{{
			ChannelName: aws.String("train"),
			ContentType: aws.String("text/csv;label_size=0"),
			DataSource: &sagemaker.DataSource{
				S3DataSource: &sagemaker.S3DataSource{
					S3DataType:             aws.String(sagemaker.S3DataTypeS3Prefix),
					S3Uri:                  aws.String(trainURL),
					S3DataDistributionType: aws.String(sagemaker.S3DataDistributionFullyReplicated),
				},
			},
		}},
		OutputDataConfig: &sagemaker.OutputDataConfig{
			S3OutputPath: aws.String(outputURL),
		},
		ResourceConfig: &sagemaker.ResourceConfig{
			InstanceType:   aws.String(instanceType),
			InstanceCount:  aws.Int64(instanceCount),
			VolumeSizeInGB: aws.Int64(50),
		},
		StoppingCondition: &sagemaker.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(defaultTrainingMinutes * 60),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sagemaker: create training job %s: %v", jobName, err)
	}
	artifacts, err := e.awaitTraining(ctx, jobName)
	if err != nil {
		return nil, err
	}

	modelName := jobName + "-model"
	log.Printf("sagemaker: creating model %s from %s", modelName, artifacts)
	_, err = e.API.SageMaker.CreateModelWithContext(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(modelName),
		ExecutionRoleArn: aws.String(e.RoleARN),
		PrimaryContainer: &sagemaker.ContainerDefinition{
			Image:        aws.String(image),
			ModelDataUrl: aws.String(artifacts),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sagemaker: create model %s: %v", modelName, err)
	}

	predictionCol := e.PredictionCol
	if predictionCol == "" {
		predictionCol = PredictionCol
	}
	distanceCol := e.DistanceCol
	if distanceCol == "" {
		distanceCol = DistanceCol
	}
	endpointInstanceType := e.EndpointInstanceType
	if endpointInstanceType == "" {
		endpointInstanceType = defaultEndpointInstanceType
	}
	poll := e.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Model{
		api:                  e.API,
		inCol:                inCol,
		predictionCol:        predictionCol,
		distanceCol:          distanceCol,
		endpointInstanceType: endpointInstanceType,
		poll:                 poll,
		resources: Resources{
			TrainingJob: jobName,
			Model:       modelName,
		},
	}, nil
}

// awaitTraining polls the named training job until it reaches a
// terminal state, returning the model artifact location on success.
func (e *KMeans) awaitTraining(ctx context.Context, jobName string) (string, error) {
	poll := e.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	for {
		out, err := e.API.SageMaker.DescribeTrainingJobWithContext(ctx, &sagemaker.DescribeTrainingJobInput{
			TrainingJobName: aws.String(jobName),
		})
		if err != nil {
			return "", fmt.Errorf("sagemaker: describe training job %s: %v", jobName, err)
		}
		switch status := aws.StringValue(out.TrainingJobStatus); status {
		case sagemaker.TrainingJobStatusCompleted:
			return aws.StringValue(out.ModelArtifacts.S3ModelArtifacts), nil
		case sagemaker.TrainingJobStatusFailed:
			return "", errors.E(errors.Remote,
				fmt.Sprintf("sagemaker: training job %s failed: %s", jobName, aws.StringValue(out.FailureReason)))
		case sagemaker.TrainingJobStatusStopped:
			return "", errors.E(errors.Remote, fmt.Sprintf("sagemaker: training job %s was stopped", jobName))
		default:
			log.Printf("sagemaker: training job %s: %s", jobName, status)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
}

// miniBatchSize picks the algorithm's mini-batch size: the full
// dataset for small inputs, capped for large ones.
func miniBatchSize(n int) int {
	const limit = 500
	if n < limit {
		return n
	}
	return limit
}

// formatCSV renders vectors as unlabeled CSV rows.
func formatCSV(vecs [][]float64) string {
	var b strings.Builder
	for _, x := range vecs {
		for i, v := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
