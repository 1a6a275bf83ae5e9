package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/downloads"
	"github.com/mlardeux/histopipe/jobqueue"
)

// publishTask uploads a results directory to the configured S3 bucket.
// Objects already present with the same size are skipped. The job
// input is the local directory.
func publishTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	dir := strings.TrimSpace(j.Input)
	if dir == "" {
		q.PushJobStdout(j.ID, "publish: no directory provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no directory provided")
	}
	if cfg.S3.Bucket == "" {
		q.PushJobStdout(j.ID, "publish: no S3 bucket configured")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no S3 bucket configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(j.Ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		q.PushJobStdout(j.ID, "publish: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	client := s3.NewFromConfig(awsCfg)

	prefix := strings.Trim(cfg.S3.Prefix, "/")
	uploaded, skipped := 0, 0
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		select {
		case <-j.Ctx.Done():
			return j.Ctx.Err()
		default:
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" {
			key = prefix + "/" + key
		}

		head, err := client.HeadObject(j.Ctx, &s3.HeadObjectInput{
			Bucket: aws.String(cfg.S3.Bucket),
			Key:    aws.String(key),
		})
		if err == nil && head.ContentLength != nil && *head.ContentLength == info.Size() {
			q.PushJobStdout(j.ID, "publish: exists, skipping "+key)
			skipped++
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = client.PutObject(j.Ctx, &s3.PutObjectInput{
			Bucket:        aws.String(cfg.S3.Bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("publish: %s (%s)", key, downloads.FormatBytes(info.Size())))
		uploaded++
		return nil
	})
	if err != nil {
		q.PushJobStdout(j.ID, "publish: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("publish: uploaded %d objects, skipped %d", uploaded, skipped))
	q.CompleteJob(j.ID)
	return nil
}
