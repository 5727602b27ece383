// Package uploader stores transcode outputs in the S3-compatible object
// store and produces the presigned result URL.
//
// An ObjectStore is a value built per upload from the credentials most
// recently served by the control plane, so credential rotation needs no
// shared client state.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kinnato/vcrunner/internal/constants"
	"github.com/kinnato/vcrunner/internal/logging"
	"github.com/kinnato/vcrunner/internal/task"
)

const contentType = "video/mp4"

// Credentials is the access block the control plane serves.
type Credentials struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// NormalizeEndpoint ensures the endpoint carries an http[s] scheme.
// Bare host:port defaults to http, matching how the store is deployed
// alongside the control plane.
func NormalizeEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "http://" + endpoint
}

// ObjectStore uploads files into one bucket.
type ObjectStore struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	log     *logging.Logger
}

// New constructs an ObjectStore from credentials.
func New(ctx context.Context, creds Credentials, log *logging.Logger) (*ObjectStore, error) {
	if creds.Endpoint == "" || creds.Bucket == "" {
		return nil, fmt.Errorf("object store credentials are incomplete")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to configure object store client: %w", err)
	}

	endpoint := NormalizeEndpoint(creds.Endpoint)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &ObjectStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  creds.Bucket,
		log:     log,
	}, nil
}

// Upload stores localPath under objectKey and returns the upload record
// with the presigned target URL. Files at or under the multipart
// threshold go up in one PUT; larger files upload in parts with
// per-part progress.
func (s *ObjectStore) Upload(ctx context.Context, localPath, objectKey string, metadata map[string]string, onProgress func(task.UploadInfo)) (task.UploadInfo, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, fmt.Errorf("local file unavailable: %w", err))
	}
	if fi.Size() == 0 {
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, fmt.Errorf("local file %s is empty", localPath))
	}

	info := task.UploadInfo{}
	info.StartTime = time.Now()
	info.TotalSize = fi.Size()

	if fi.Size() <= constants.MultipartThreshold {
		err = s.putSingle(ctx, localPath, objectKey, metadata)
	} else {
		err = s.putMultipart(ctx, localPath, objectKey, fi.Size(), metadata, &info, onProgress)
	}
	if err != nil {
		s.cleanupObject(objectKey)
		if te, ok := err.(*task.Error); ok {
			return task.UploadInfo{}, te
		}
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, err)
	}

	if err := s.verify(ctx, objectKey, fi.Size()); err != nil {
		s.cleanupObject(objectKey)
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, err)
	}

	target, err := s.presignGet(ctx, objectKey)
	if err != nil {
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, err)
	}

	now := time.Now()
	info.EndTime = &now
	info.CurrentSize = fi.Size()
	info.Progress = 100
	info.TargetURL = target
	elapsed := now.Sub(info.StartTime).Seconds()
	if elapsed > 0 {
		info.AverageSpeed = float64(fi.Size()) / elapsed
	}
	if onProgress != nil {
		onProgress(info)
	}
	return info, nil
}

// putSingle uploads the whole file in one request.
func (s *ObjectStore) putSingle(ctx context.Context, localPath, objectKey string, metadata map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        file,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("put object failed: %w", err)
	}
	return nil
}

// putMultipart uploads the file in fixed-size parts, emitting progress
// when the integer percent advances and on the final part.
func (s *ObjectStore) putMultipart(ctx context.Context, localPath, objectKey string, totalSize int64, metadata map[string]string, info *task.UploadInfo, onProgress func(task.UploadInfo)) (err error) {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("create multipart upload failed: %w", err)
	}
	uploadID := create.UploadId

	defer func() {
		if err != nil {
			// Best effort: orphaned parts cost storage until aborted.
			s.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      aws.String(objectKey),
				UploadId: uploadID,
			})
		}
	}()

	window := task.NewSpeedWindow()
	totalParts := (totalSize + constants.UploadPartSize - 1) / constants.UploadPartSize
	completed := make([]types.CompletedPart, 0, totalParts)
	lastPercent := -1
	buf := make([]byte, constants.UploadPartSize)

	for partNum := int32(1); int64(partNum) <= totalParts; partNum++ {
		n, readErr := io.ReadFull(file, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			err = fmt.Errorf("failed to read part %d: %w", partNum, readErr)
			return err
		}
		if n == 0 {
			break
		}

		part, upErr := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectKey),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNum),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if upErr != nil {
			err = fmt.Errorf("failed to upload part %d/%d: %w", partNum, totalParts, upErr)
			return err
		}

		completed = append(completed, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(partNum),
		})

		window.Add(int64(n))
		window.Fill(&info.StageProgress, totalSize)

		percent := int(info.Progress)
		final := int64(partNum) == totalParts
		if onProgress != nil && (percent > lastPercent || final) {
			lastPercent = percent
			onProgress(*info)
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectKey),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		err = fmt.Errorf("complete multipart upload failed: %w", err)
		return err
	}
	return nil
}

// verify checks that the stored object matches the local size.
func (s *ObjectStore) verify(ctx context.Context, objectKey string, localSize int64) error {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to verify object %s: %w", objectKey, err)
	}
	if head.ContentLength == nil || *head.ContentLength != localSize {
		got := int64(-1)
		if head.ContentLength != nil {
			got = *head.ContentLength
		}
		return fmt.Errorf("object %s size mismatch: stored %d, local %d", objectKey, got, localSize)
	}
	return nil
}

// presignGet produces the result URL handed back to the control plane.
func (s *ObjectStore) presignGet(ctx context.Context, objectKey string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(constants.PresignValidity))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", objectKey, err)
	}
	return req.URL, nil
}

// cleanupObject deletes a partial object after a failed upload.
func (s *ObjectStore) cleanupObject(objectKey string) {
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("key", objectKey).Msg("upload: failed to delete partial object")
	}
}
