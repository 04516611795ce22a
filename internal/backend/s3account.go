package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/config"
)

// S3Account implements Account against one S3-compatible bucket, adapted
// from the donor project's S3 client: same aws-sdk-go-v2 client
// construction and provider-endpoint handling, now driving the narrow
// four-method Account trait instead of a gateway's request handlers.
//
// Message ids here are synthetic: S3 has no native integer handle concept,
// so Upload hands out the next id from an in-memory counter and records the
// object key under it, and List assigns an id to each key it has not seen
// before. The id-to-key map lives only in memory: ids do not survive a
// restart, and Download of an id this process has not issued or listed
// fails as an unknown message id.
type S3Account struct {
	client *s3.Client
	bucket string
	log    *logrus.Entry

	mu      chan struct{} // binary semaphore guarding the id index
	byID    map[int64]string
	nextID  int64
}

// NewS3Account builds an S3-compatible account client for one
// config.AccountConfig entry, resolving its endpoint/region through
// ResolveAccount the same way the donor's client.go resolved providers.
func NewS3Account(ctx context.Context, acct config.AccountConfig, log *logrus.Entry) (*S3Account, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	endpoint, region, err := ResolveAccount(acct.Provider, acct.Endpoint, acct.Region)
	if err != nil {
		return nil, fmt.Errorf("backend: resolving account %d: %w", acct.ID, err)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if acct.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(acct.AccessKey, acct.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("backend: loading aws config for account %d: %w", acct.ID, err)
	}

	pathStyle := RequiresPathStyleAddressing(acct.Provider)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = pathStyle
	})

	return &S3Account{
		client: client,
		bucket: acct.Bucket,
		log:    log.WithField("account_id", acct.ID),
		mu:     make(chan struct{}, 1),
		byID:   make(map[int64]string),
		nextID: 1,
	}, nil
}

// CreateBucketIfNotExists ensures acct's bucket exists, for test setups and
// first-run provisioning against a fresh S3-compatible endpoint (a newly
// started MinIO container has none). Production accounts are expected to
// point at a bucket the operator already provisioned.
func CreateBucketIfNotExists(ctx context.Context, a *S3Account, bucket string) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return chunkerr.Wrap(chunkerr.KindRemoteTransient, "s3 create bucket", err).WithFields(map[string]any{"bucket": bucket})
	}
	return nil
}

func (a *S3Account) lock()   { a.mu <- struct{}{} }
func (a *S3Account) unlock() { <-a.mu }

func (a *S3Account) Upload(ctx context.Context, filename string, data []byte) (int64, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(filename),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, chunkerr.Wrap(chunkerr.KindRemoteTransient, "s3 put object", err).WithFields(map[string]any{"filename": filename})
	}

	a.lock()
	id := a.nextID
	a.nextID++
	a.byID[id] = filename
	a.unlock()

	a.log.WithFields(logrus.Fields{"filename": filename, "size": len(data)}).Debug("uploaded chunk to s3 account")
	return id, nil
}

func (a *S3Account) Download(ctx context.Context, messageID int64) ([]byte, error) {
	a.lock()
	filename, ok := a.byID[messageID]
	a.unlock()
	if !ok {
		return nil, chunkerr.New(chunkerr.KindRemoteFatal, "unknown message id").WithFields(map[string]any{"message_id": messageID})
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(filename),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, chunkerr.New(chunkerr.KindRemoteFatal, "object not found").WithFields(map[string]any{"filename": filename})
		}
		return nil, chunkerr.Wrap(chunkerr.KindRemoteTransient, "s3 get object", err).WithFields(map[string]any{"filename": filename})
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindRemoteTransient, "reading s3 object body", err)
	}
	return data, nil
}

func (a *S3Account) Delete(ctx context.Context, messageID int64) error {
	a.lock()
	filename, ok := a.byID[messageID]
	a.unlock()
	if !ok {
		return nil
	}

	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(filename),
	})
	if err != nil {
		return chunkerr.Wrap(chunkerr.KindRemoteTransient, "s3 delete object", err).WithFields(map[string]any{"filename": filename})
	}

	a.lock()
	delete(a.byID, messageID)
	a.unlock()
	return nil
}

func (a *S3Account) List(ctx context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	var continuationToken *string

	for {
		page, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, chunkerr.Wrap(chunkerr.KindRemoteTransient, "s3 list objects", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			id := a.idForFilename(key)
			date := int64(0)
			if obj.LastModified != nil {
				date = obj.LastModified.Unix()
			}
			out = append(out, ObjectInfo{
				MessageID: id,
				Filename:  key,
				Size:      aws.ToInt64(obj.Size),
				Date:      date,
			})
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuationToken = page.NextContinuationToken
	}
	return out, nil
}

// idForFilename returns the existing synthetic id for filename, assigning a
// fresh one on first sight so that a List performed before any Upload in
// this process still yields stable, reusable handles.
func (a *S3Account) idForFilename(filename string) int64 {
	a.lock()
	defer a.unlock()
	for id, name := range a.byID {
		if name == filename {
			return id
		}
	}
	id := a.nextID
	a.nextID++
	a.byID[id] = filename
	return id
}
