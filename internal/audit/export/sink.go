package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// ObjectPutter is the subset of *minio.Client the sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSink stores rendered exports in an S3-compatible bucket.
type ObjectSink struct {
	client ObjectPutter
	bucket string
	now    func() time.Time
}

func NewObjectSink(client ObjectPutter, bucket string, now func() time.Time) *ObjectSink {
	if now == nil {
		now = time.Now
	}
	return &ObjectSink{client: client, bucket: bucket, now: now}
}

// Upload stores body under exports/<yyyy>/<mm>/<dd>/<uuid>.<ext> and returns
// the object key.
func (s *ObjectSink) Upload(ctx context.Context, format Format, body []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate export id: %w", err)
	}
	key := fmt.Sprintf("exports/%s/%s.%s", s.now().UTC().Format("2006/01/02"), id, format.Extension())
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: format.ContentType(),
	})
	if err != nil {
		return "", fmt.Errorf("upload export %s: %w", key, err)
	}
	return key, nil
}
