// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sagemaker

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
)

// fakeSageMaker scripts the platform's training and hosting
// lifecycle: training jobs complete (or fail) after one in-progress
// poll, endpoints come into service after one creating poll.
type fakeSageMaker struct {
	sagemakeriface.SageMakerAPI
	mu sync.Mutex

	failTraining bool

	trainInput      *sagemaker.CreateTrainingJobInput
	trainPolls      int
	modelInput      *sagemaker.CreateModelInput
	configInput     *sagemaker.CreateEndpointConfigInput
	endpointInput   *sagemaker.CreateEndpointInput
	endpointPolls   int
	deleted         []string
	deleteConfigErr error
	deleteModelErr  error
}

func (f *fakeSageMaker) CreateTrainingJobWithContext(_ aws.Context, in *sagemaker.CreateTrainingJobInput, _ ...request.Option) (*sagemaker.CreateTrainingJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trainInput = in
	return &sagemaker.CreateTrainingJobOutput{}, nil
}

func (f *fakeSageMaker) DescribeTrainingJobWithContext(_ aws.Context, in *sagemaker.DescribeTrainingJobInput, _ ...request.Option) (*sagemaker.DescribeTrainingJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trainPolls++
	if f.trainPolls == 1 {
		return &sagemaker.DescribeTrainingJobOutput{
			TrainingJobStatus: aws.String(sagemaker.TrainingJobStatusInProgress),
		}, nil
	}
	if f.failTraining {
		return &sagemaker.DescribeTrainingJobOutput{
			TrainingJobStatus: aws.String(sagemaker.TrainingJobStatusFailed),
			FailureReason:     aws.String("ClientError: bad data"),
		}, nil
	}
	return &sagemaker.DescribeTrainingJobOutput{
		TrainingJobStatus: aws.String(sagemaker.TrainingJobStatusCompleted),
		ModelArtifacts: &sagemaker.ModelArtifacts{
			S3ModelArtifacts: aws.String("s3://b/artifacts/model.tar.gz"),
		},
	}, nil
}

func (f *fakeSageMaker) CreateModelWithContext(_ aws.Context, in *sagemaker.CreateModelInput, _ ...request.Option) (*sagemaker.CreateModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelInput = in
	return &sagemaker.CreateModelOutput{}, nil
}

func (f *fakeSageMaker) CreateEndpointConfigWithContext(_ aws.Context, in *sagemaker.CreateEndpointConfigInput, _ ...request.Option) (*sagemaker.CreateEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configInput != nil {
		return nil, fmt.Errorf("endpoint config created twice")
	}
	f.configInput = in
	return &sagemaker.CreateEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) CreateEndpointWithContext(_ aws.Context, in *sagemaker.CreateEndpointInput, _ ...request.Option) (*sagemaker.CreateEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpointInput = in
	return &sagemaker.CreateEndpointOutput{}, nil
}

func (f *fakeSageMaker) DescribeEndpointWithContext(_ aws.Context, in *sagemaker.DescribeEndpointInput, _ ...request.Option) (*sagemaker.DescribeEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpointPolls++
	status := sagemaker.EndpointStatusInService
	if f.endpointPolls == 1 {
		status = sagemaker.EndpointStatusCreating
	}
	return &sagemaker.DescribeEndpointOutput{
		EndpointName:   in.EndpointName,
		EndpointStatus: aws.String(status),
	}, nil
}

func (f *fakeSageMaker) DeleteEndpointWithContext(_ aws.Context, in *sagemaker.DeleteEndpointInput, _ ...request.Option) (*sagemaker.DeleteEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "endpoint:"+aws.StringValue(in.EndpointName))
	return &sagemaker.DeleteEndpointOutput{}, nil
}

func (f *fakeSageMaker) DeleteEndpointConfigWithContext(_ aws.Context, in *sagemaker.DeleteEndpointConfigInput, _ ...request.Option) (*sagemaker.DeleteEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteConfigErr != nil {
		return nil, f.deleteConfigErr
	}
	f.deleted = append(f.deleted, "config:"+aws.StringValue(in.EndpointConfigName))
	return &sagemaker.DeleteEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) DeleteModelWithContext(_ aws.Context, in *sagemaker.DeleteModelInput, _ ...request.Option) (*sagemaker.DeleteModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteModelErr != nil {
		return nil, f.deleteModelErr
	}
	f.deleted = append(f.deleted, "model:"+aws.StringValue(in.ModelName))
	return &sagemaker.DeleteModelOutput{}, nil
}

// fakeRuntime scores CSV bodies: each row's cluster is its first
// value truncated, its distance the first value.
type fakeRuntime struct {
	sagemakerruntimeiface.SageMakerRuntimeAPI
	mu    sync.Mutex
	calls int
}

func (f *fakeRuntime) InvokeEndpointWithContext(_ aws.Context, in *sagemakerruntime.InvokeEndpointInput, _ ...request.Option) (*sagemakerruntime.InvokeEndpointOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	var resp struct {
		Predictions []prediction `json:"predictions"`
	}
	for _, line := range strings.Split(strings.TrimSpace(string(in.Body)), "\n") {
		first := strings.SplitN(line, ",", 2)[0]
		v, err := strconv.ParseFloat(first, 64)
		if err != nil {
			return nil, err
		}
		resp.Predictions = append(resp.Predictions, prediction{
			ClosestCluster:    float64(int(v)),
			DistanceToCluster: v,
		})
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &sagemakerruntime.InvokeEndpointOutput{Body: body}, nil
}

type fakeUploader struct {
	s3manageriface.UploaderAPI
	input *s3manager.UploadInput
	body  []byte
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.input = in
	var err error
	f.body, err = ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	return &s3manager.UploadOutput{}, nil
}

type fakeSTS struct {
	stsiface.STSAPI
	arn string
}

func (f *fakeSTS) GetCallerIdentityWithContext(_ aws.Context, _ *sts.GetCallerIdentityInput, _ ...request.Option) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Arn: aws.String(f.arn)}, nil
}

type fakeS3 struct {
	s3iface.S3API
	location *string
}

func (f *fakeS3) GetBucketLocationWithContext(_ aws.Context, _ *s3.GetBucketLocationInput, _ ...request.Option) (*s3.GetBucketLocationOutput, error) {
	return &s3.GetBucketLocationOutput{LocationConstraint: f.location}, nil
}
