package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// ObjectPutter is the subset of a MinIO client the object sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ ObjectPutter = (*minio.Client)(nil)

// ObjectConfig configures [OpenObjectStore].
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" json:"access_key" env:"ACCESS_KEY"`
	SecretKey Secret `yaml:"secret_key" json:"-" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl" env:"USE_SSL" envDefault:"true"`
	Bucket    string `yaml:"bucket" json:"bucket" env:"BUCKET" envDefault:"audit"`
	Prefix    string `yaml:"prefix" json:"prefix" env:"PREFIX" envDefault:"entries"`
}

// ObjectSink writes each entry as its own JSON object under
// prefix/YYYY/MM/DD/<id>.json. Objects are never overwritten because ids are
// unique.
type ObjectSink struct {
	store  ObjectPutter
	bucket string
	prefix string
}

// NewObjectSink writes into bucket under prefix through store.
func NewObjectSink(store ObjectPutter, bucket, prefix string) (*ObjectSink, error) {
	if bucket == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "audit: object bucket must not be empty")
	}
	return &ObjectSink{store: store, bucket: bucket, prefix: prefix}, nil
}

// OpenObjectStore creates a MinIO client for cfg and returns a sink over it.
// The bucket must already exist.
func OpenObjectStore(cfg ObjectConfig) (*ObjectSink, *minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil, sserr.New(sserr.CodeValidationRequired, "audit: object endpoint must not be empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "audit: invalid object store configuration")
	}
	sink, err := NewObjectSink(client, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return nil, nil, err
	}
	return sink, client, nil
}

// ObjectName returns the key an entry is stored under.
func (s *ObjectSink) ObjectName(e Entry) string {
	day := e.Timestamp.UTC().Format("2006/01/02")
	return path.Join(s.prefix, day, e.ID.String()+".json")
}

// Append implements [Sink].
func (s *ObjectSink) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "audit: entry is not serializable")
	}
	_, err = s.store.PutObject(ctx, s.bucket, s.ObjectName(e), bytes.NewReader(payload),
		int64(len(payload)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailable, "audit: object store write failed")
	}
	return nil
}
