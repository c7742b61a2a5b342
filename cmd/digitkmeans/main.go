// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Digitkmeans clusters handwritten digit images by chaining a
// bigslice-computed PCA projection with a k-means model trained and
// hosted on Amazon SageMaker. It loads sparse labeled-vector
// datasets from object storage, fits the two-stage pipeline, scores
// the test set on the hosted endpoint, renders sample digits grouped
// by predicted cluster, and finally deletes the provisioned cloud
// resources.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigslice/exec"
	"github.com/grailbio/bigslice/slicecmd"
	"github.com/grailbio/slicemodel"
	"github.com/grailbio/slicemodel/libsvm"
	"github.com/grailbio/slicemodel/pca"
	"github.com/grailbio/slicemodel/render"
	"github.com/grailbio/slicemodel/sagemaker"
)

const sampleBucket = "sagemaker-sample-data-us-east-1"

func init() {
	file.RegisterImplementation("s3", s3file.NewImplementation(
		s3file.NewDefaultProvider(awssession.Options{})))
	s3file.SetBucketRegion(sampleBucket, "us-east-1")
}

func main() {
	var (
		train = flag.String("train", "s3://"+sampleBucket+"/spark/mnist/train",
			"URL of the training dataset in sparse labeled-vector text")
		test = flag.String("test", "s3://"+sampleBucket+"/spark/mnist/test",
			"URL of the test dataset in sparse labeled-vector text")
		dim        = flag.Int("dim", 784, "declared feature vector length")
		components = flag.Int("components", 50, "PCA target dimension")
		clusters   = flag.Int("clusters", 10, "number of clusters")
		role       = flag.String("role", "", "execution role ARN (default: derived from the caller identity)")
		bucket     = flag.String("bucket", "", "staging bucket for training data and model artifacts")
		region     = flag.String("region", "", "platform region (default: the staging bucket's region)")
		instance   = flag.String("instance-type", "", "training instance type")
		count      = flag.Int("instance-count", 1, "number of training instances")
		endpoint   = flag.String("endpoint-instance-type", "", "hosted endpoint instance type")
		gallery    = flag.String("gallery", "gallery.png", "output path for the clustered digit gallery")
		sizes      = flag.String("sizes", "", "optional output path for the cluster population chart")
		keep       = flag.Bool("keep", false, "keep provisioned cloud resources")
	)
	slicecmd.RegisterSystem("ec2", &ec2system.System{
		InstanceType: "m4.xlarge",
	})
	slicecmd.Main(func(sess *exec.Session, args []string) error {
		ctx := context.Background()
		if *bucket == "" {
			return errors.New("missing flag -bucket")
		}

		base, err := awssession.NewSessionWithOptions(awssession.Options{
			SharedConfigState: awssession.SharedConfigEnable,
			Config:            aws.Config{Region: aws.String("us-east-1")},
		})
		if err != nil {
			return err
		}
		if *region == "" {
			*region, err = sagemaker.New(base).BucketRegion(ctx, *bucket)
			if err != nil {
				return err
			}
		}
		api := sagemaker.New(base.Copy(&aws.Config{Region: aws.String(*region)}))
		if *role == "" {
			*role, err = api.ExecutionRole(ctx)
			if err != nil {
				return err
			}
		}
		log.Printf("using region %s, role %s", *region, *role)
		s3file.SetBucketRegion(*bucket, *region)

		trainSet, err := libsvm.Load(ctx, sess, *train, *dim)
		if err != nil {
			return err
		}
		testSet, err := libsvm.Load(ctx, sess, *test, *dim)
		if err != nil {
			return err
		}

		km := sagemaker.NewKMeans(api, *region, *role, *bucket, *clusters)
		km.InstanceType = *instance
		km.InstanceCount = int64(*count)
		km.EndpointInstanceType = *endpoint
		pipe := slicemodel.NewPipeline(pca.New(*components), km)

		model, err := pipe.Fit(ctx, sess, trainSet)
		if err != nil {
			return err
		}
		// Delete provisioned resources even if scoring or rendering
		// fails partway.
		if !*keep {
			defer func() {
				if err := model.Delete(ctx); err != nil {
					log.Error.Printf("cleanup: %v", err)
				}
			}()
		}

		scored, err := model.Transform(ctx, testSet)
		if err != nil {
			return err
		}
		predicted, err := scored.Int(sagemaker.PredictionCol)
		if err != nil {
			return err
		}
		vecs, err := scored.Vector(slicemodel.FeatureCol)
		if err != nil {
			return err
		}
		if err := writeGallery(*gallery, vecs, predicted); err != nil {
			return err
		}
		log.Printf("wrote gallery to %s", *gallery)
		if *sizes != "" {
			if err := render.ClusterSizes(*sizes, predicted); err != nil {
				return err
			}
			log.Printf("wrote cluster populations to %s", *sizes)
		}
		return nil
	})
}

func writeGallery(path string, vecs [][]float64, clusters []int) error {
	img, err := render.Gallery(vecs, clusters)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render.WritePNG(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
