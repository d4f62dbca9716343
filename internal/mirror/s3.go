package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/linyinfeng/oranc/internal/ocerr"
)

// S3Mirror stores mirrored objects in an S3-compatible bucket, one
// object per key, stored with its Content-Type. Writes are
// conditional on the key not already existing, so a race between two
// gateway requests mirroring the same object never corrupts anything;
// the loser's write is treated as "already mirrored."
type S3Mirror struct {
	client         *s3.Client
	presignClient  *s3.PresignClient
	bucket         string
	forcePathStyle bool
}

func NewS3Mirror(ctx context.Context, bucket string, forcePathStyle bool) (*S3Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, ocerr.Wrap(ocerr.Infrastructure, "loading AWS configuration for mirror", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})
	return &S3Mirror{
		client:         client,
		presignClient:  s3.NewPresignClient(client),
		bucket:         bucket,
		forcePathStyle: forcePathStyle,
	}, nil
}

func objectKey(key Key) string {
	return key.Registry + "/" + key.Repository + "/" + key.Object
}

func (m *S3Mirror) Head(ctx context.Context, key Key) (ObjectMeta, bool, error) {
	out, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &m.bucket,
		Key:    awsString(objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectMeta{}, false, nil
		}
		return ObjectMeta{}, false, ocerr.Wrap(ocerr.Infrastructure, "heading mirrored object", err)
	}
	meta := ObjectMeta{}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		meta.ContentLength = *out.ContentLength
	}
	return meta, true, nil
}

func (m *S3Mirror) Get(ctx context.Context, key Key) (io.ReadCloser, ObjectMeta, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &m.bucket,
		Key:    awsString(objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ObjectMeta{}, ErrNotExist
		}
		return nil, ObjectMeta{}, ocerr.Wrap(ocerr.Infrastructure, "getting mirrored object", err)
	}
	meta := ObjectMeta{}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		meta.ContentLength = *out.ContentLength
	}
	return out.Body, meta, nil
}

// RedirectURL returns a presigned GET URL for key, valid for 15 minutes.
// The gateway does not call it; mirror hits are proxied through the
// gateway.
func (m *S3Mirror) RedirectURL(ctx context.Context, key Key) (string, error) {
	req, err := m.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &m.bucket,
		Key:    awsString(objectKey(key)),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", ocerr.Wrap(ocerr.Infrastructure, "presigning mirror redirect", err)
	}
	return req.URL, nil
}

func (m *S3Mirror) Put(ctx context.Context, key Key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return ocerr.Wrap(ocerr.Infrastructure, "buffering mirror upload body", err)
	}
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &m.bucket,
		Key:         awsString(objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: awsString(contentType),
		IfNoneMatch: awsString("*"),
	})
	if err != nil {
		if isConditionalPutConflict(err) {
			return nil
		}
		return ocerr.Wrap(ocerr.Infrastructure, "putting mirrored object", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NotFound
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}

func isConditionalPutConflict(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code == 412 || code == 409
	}
	return strings.Contains(err.Error(), "PreconditionFailed") || strings.Contains(err.Error(), "ConditionalRequestConflict")
}

func awsString(s string) *string { return &s }
