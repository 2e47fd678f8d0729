package blobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type MinioConfig struct {
	EndpointURL     string `yaml:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
	// BucketPrefix namespaces containers when several deployments share
	// one account.
	BucketPrefix string `yaml:"bucket_prefix"`
}

// MinioStore maps each container onto an S3 bucket.
type MinioStore struct {
	client *minio.Client
	cfg    MinioConfig
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.EndpointURL == "" {
		return nil, errors.New("blobs: endpoint_url is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("blobs: credentials are required")
	}
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid endpoint URL")
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create minio client")
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

func (s *MinioStore) bucket(container string) (string, error) {
	if err := ValidateContainerName(container); err != nil {
		return "", err
	}
	return s.cfg.BucketPrefix + container, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "NoSuchKey":
		return errors.Wrap(insights_errors.ErrNotFound, err.Error())
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return errors.Wrap(insights_errors.ErrConflict, err.Error())
	}
	return err
}

func (s *MinioStore) CreateContainer(ctx context.Context, container string) error {
	bucket, err := s.bucket(container)
	if err != nil {
		return err
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classify(err)
	}
	if exists {
		return nil
	}
	err = classify(s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}))
	if errors.Is(err, insights_errors.ErrConflict) {
		// lost a creation race
		return nil
	}
	return err
}

func (s *MinioStore) DeleteContainer(ctx context.Context, container string) error {
	bucket, err := s.bucket(container)
	if err != nil {
		return err
	}
	names, err := s.List(ctx, container, "")
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.client.RemoveObject(ctx, bucket, name, minio.RemoveObjectOptions{}); err != nil {
			return classify(err)
		}
	}
	err = classify(s.client.RemoveBucket(ctx, bucket))
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil
	}
	return err
}

func (s *MinioStore) Put(ctx context.Context, container, name string, data []byte) error {
	bucket, err := s.bucket(container)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return classify(err)
}

func (s *MinioStore) Get(ctx context.Context, container, name string) ([]byte, error) {
	bucket, err := s.bucket(container)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer obj.Close()
	// GetObject is lazy, a missing key shows up on the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (s *MinioStore) Delete(ctx context.Context, container, name string) error {
	bucket, err := s.bucket(container)
	if err != nil {
		return err
	}
	return classify(s.client.RemoveObject(ctx, bucket, name, minio.RemoveObjectOptions{}))
}

func (s *MinioStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	bucket, err := s.bucket(container)
	if err != nil {
		return nil, err
	}
	var names []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify(obj.Err)
		}
		names = append(names, obj.Key)
	}
	return names, nil
}

func (s *MinioStore) String() string {
	return fmt.Sprintf("minio(%s)", s.cfg.EndpointURL)
}
