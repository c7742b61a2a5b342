// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sagemaker implements pipeline stages that train and serve
// models on Amazon SageMaker. The estimator in this package uploads
// its training data to object storage, submits a training job
// against one of the platform's built-in algorithms, and returns a
// transformer backed by a hosted inference endpoint. All provisioned
// resources are recorded on the transformer and released by its
// Delete method.
package sagemaker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/aws/session"
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
	"github.com/grailbio/base/errors"
)

// API bundles the platform service clients used by this package.
// The fields are interfaces so that tests can substitute fakes.
type API struct {
	SageMaker sagemakeriface.SageMakerAPI
	Runtime   sagemakerruntimeiface.SageMakerRuntimeAPI
	S3        s3iface.S3API
	Uploader  s3manageriface.UploaderAPI
	STS       stsiface.STSAPI
}

// New returns an API using service clients derived from the provided
// AWS session.
func New(sess *session.Session) *API {
	return &API{
		SageMaker: sagemaker.New(sess),
		Runtime:   sagemakerruntime.New(sess),
		S3:        s3.New(sess),
		Uploader:  s3manager.NewUploader(sess),
		STS:       sts.New(sess),
	}
}

// ExecutionRole returns the IAM role ARN under which the caller is
// running, for use as the platform's execution role. It requires the
// caller's credentials to belong to an assumed role (as they do on
// notebook and EC2 instances); otherwise the role must be configured
// explicitly.
func (a *API) ExecutionRole(ctx context.Context) (string, error) {
	out, err := a.STS.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("sagemaker: caller identity: %v", err)
	}
	caller, err := arn.Parse(aws.StringValue(out.Arn))
	if err != nil {
		return "", err
	}
	// An assumed-role caller has resource "assumed-role/Name/Session";
	// the execution role is the underlying IAM role.
	parts := strings.Split(caller.Resource, "/")
	if caller.Service != "sts" || len(parts) < 2 || parts[0] != "assumed-role" {
		return "", errors.E(errors.Invalid,
			fmt.Sprintf("sagemaker: caller %s is not an assumed role; configure an execution role explicitly", aws.StringValue(out.Arn)))
	}
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", caller.Partition, caller.AccountID, parts[1]), nil
}

// BucketRegion returns the region in which the named bucket resides.
func (a *API) BucketRegion(ctx context.Context, bucket string) (string, error) {
	out, err := a.S3.GetBucketLocationWithContext(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return "", fmt.Errorf("sagemaker: bucket location %s: %v", bucket, err)
	}
	// A nil location constraint denotes the original region.
	region := aws.StringValue(out.LocationConstraint)
	if region == "" {
		region = "us-east-1"
	}
	return region, nil
}

// algorithmAccounts maps regions to the account that hosts the
// platform's first-party algorithm images there.
var algorithmAccounts = map[string]string{
	"us-east-1":      "382416733822",
	"us-east-2":      "404615174143",
	"us-west-1":      "632365934929",
	"us-west-2":      "174872318107",
	"ca-central-1":   "469771592824",
	"eu-west-1":      "438346466558",
	"eu-west-2":      "644912444149",
	"eu-central-1":   "664544806723",
	"ap-northeast-1": "351501993468",
	"ap-northeast-2": "835164637446",
	"ap-southeast-1": "475088953585",
	"ap-southeast-2": "712309505854",
	"ap-south-1":     "991648021394",
	"sa-east-1":      "855470959533",
}

// AlgorithmImage returns the image URI of the named built-in
// algorithm in the given region.
func AlgorithmImage(region, algorithm string) (string, error) {
	account, ok := algorithmAccounts[region]
	if !ok {
		return "", errors.E(errors.NotSupported,
			fmt.Sprintf("sagemaker: no algorithm registry for region %s", region))
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:1", account, region, algorithm), nil
}
