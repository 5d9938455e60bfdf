package aws_s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sharedcode/dtx"
)

// objectApi is the slice of the S3 client the archiver uses; *s3.Client satisfies it.
type objectApi interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Archiver copies FAILED transaction records into an S3 bucket so the
// operator-attention queue survives transaction log maintenance and can feed
// offline analysis. Objects are keyed failed/<txId>.json.
type Archiver struct {
	S3Client objectApi
	bucket   string
	region   string
}

func NewArchiver(s3Client objectApi, bucket string, region string) (*Archiver, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket parameter can't be empty")
	}
	return &Archiver{
		S3Client: s3Client,
		bucket:   bucket,
		region:   region,
	}, nil
}

// EnsureBucket creates the archive bucket; a bucket this account already owns
// is not an error.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	_, err := a.S3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
		CreateBucketConfiguration: &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(a.region),
		},
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("couldn't create bucket %s in Region %s, details: %v", a.bucket, a.region, err)
	}
	return nil
}

// Archive writes one record. Re-archiving overwrites the same key, so the
// operation is idempotent across sweep runs.
func (a *Archiver) Archive(ctx context.Context, record *dtx.TransactionRecord) error {
	ba, err := dtx.DefaultMarshaler.Marshal(record)
	if err != nil {
		return err
	}
	_, err = a.S3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey(record.TxID)),
		Body:        bytes.NewReader(ba),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("couldn't archive transaction %s to bucket %s, details: %v", record.TxID.String(), a.bucket, err)
	}
	return nil
}

// ArchiveFailed copies every record in the failed queue. A record that fails
// to archive is logged and skipped; the count of archived records is returned.
func (a *Archiver) ArchiveFailed(ctx context.Context, logStore dtx.TransactionLogStore) (int, error) {
	records, err := logStore.ListFailed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, record := range records {
		if err := a.Archive(ctx, record); err != nil {
			log.Warn("archiving failed record skipped", "txId", record.TxID.String(), "error", err.Error())
			continue
		}
		n++
	}
	return n, nil
}

// Fetch reads one archived record back.
func (a *Archiver) Fetch(ctx context.Context, tid dtx.UUID) (*dtx.TransactionRecord, error) {
	out, err := a.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey(tid)),
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't fetch archived transaction %s from bucket %s, details: %v", tid.String(), a.bucket, err)
	}
	defer out.Body.Close()
	ba, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var record dtx.TransactionRecord
	if err := dtx.DefaultMarshaler.Unmarshal(ba, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func objectKey(tid dtx.UUID) string {
	return "failed/" + tid.String() + ".json"
}
