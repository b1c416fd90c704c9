package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Archiver stores downloaded PDFs in S3 so a cold Lambda can restore them
// instead of downloading from arXiv again
type Archiver struct {
	s3Client s3iface.S3API
	bucket   string
	prefix   string
}

// NewArchiver creates a new S3 archiver
func NewArchiver(region, bucket, prefix string) (*Archiver, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewArchiverWithClient(s3.New(sess), bucket, prefix), nil
}

// NewArchiverWithClient creates an archiver with a custom S3 client (for testing)
func NewArchiverWithClient(client s3iface.S3API, bucket, prefix string) *Archiver {
	return &Archiver{
		s3Client: client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

// ArchivePDF uploads the file at localPath unless the key already exists
func (a *Archiver) ArchivePDF(ctx context.Context, arxivID, localPath string) error {
	key := a.objectKey(arxivID)

	exists, err := a.CheckKeyExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/pdf"),
		Metadata: map[string]*string{
			"arxiv-id":    aws.String(arxivID),
			"archived-at": aws.String(time.Now().UTC().Format(time.RFC3339)),
		},
	}

	if _, err := a.s3Client.PutObjectWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// RestorePDF copies an archived PDF to dest. It reports false when nothing is archived.
func (a *Archiver) RestorePDF(ctx context.Context, arxivID, dest string) (bool, error) {
	key := a.objectKey(arxivID)

	result, err := a.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to download S3 object %s/%s: %w", a.bucket, key, err)
	}
	defer result.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, result.Body); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to read content from %s/%s: %w", a.bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return false, fmt.Errorf("failed to move restored PDF into place: %w", err)
	}
	return true, nil
}

// CheckKeyExists checks if an S3 key already exists (to avoid duplicate uploads)
func (a *Archiver) CheckKeyExists(ctx context.Context, key string) (bool, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}

	_, err := a.s3Client.HeadObjectWithContext(ctx, input)
	if err != nil {
		if isNoSuchKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check S3 key existence: %w", err)
	}

	return true, nil
}

// objectKey is <prefix>/<arxiv_id>.pdf, with old-style slashes flattened
func (a *Archiver) objectKey(arxivID string) string {
	name := strings.ReplaceAll(arxivID, "/", "_") + ".pdf"
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

func isNoSuchKeyError(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
