// Package archive keeps the raw analyzer payload of every analysis run on
// S3-compatible storage so it can be re-ingested later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const Prefix = "analyses/"

type Kind string

const (
	KindSARIF Kind = "sarif"
	KindSBOM  Kind = "sbom"
)

// Key is analyses/<analysisId>.<kind>.json.
func Key(analysisID string, kind Kind) string {
	return fmt.Sprintf("%s%s.%s.json", Prefix, analysisID, kind)
}

// ParseKey reverses Key. ok is false for objects that were not written by
// this package.
func ParseKey(key string) (analysisID string, kind Kind, ok bool) {
	name, found := strings.CutPrefix(key, Prefix)
	if !found {
		return "", "", false
	}
	name, found = strings.CutSuffix(name, ".json")
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", "", false
	}
	switch k := Kind(name[i+1:]); k {
	case KindSARIF, KindSBOM:
		return name[:i], k, true
	default:
		return "", "", false
	}
}

type Object struct {
	Key        string
	AnalysisID string
	Kind       Kind
	Size       int64
}

type Client struct {
	mc     *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey string, useSSL bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if ok {
		return nil
	}
	return c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
}

// Metadata travels with a payload as object user metadata. Keys are
// matched case-insensitively on the way back because S3 canonicalises them.
type Metadata map[string]string

func (m Metadata) Get(key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

type Payload struct {
	Key      string
	Content  []byte
	Metadata Metadata
}

func (c *Client) Put(ctx context.Context, analysisID string, kind Kind, content []byte, meta Metadata) (string, error) {
	key := Key(analysisID, kind)
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func (c *Client) Get(ctx context.Context, key string) (*Payload, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return &Payload{Key: key, Content: b, Metadata: Metadata(info.UserMetadata)}, nil
}

// List returns every archived payload, skipping foreign objects under the
// prefix.
func (c *Client) List(ctx context.Context) ([]Object, error) {
	var out []Object
	for info := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: Prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s: %w", Prefix, info.Err)
		}
		id, kind, ok := ParseKey(info.Key)
		if !ok {
			continue
		}
		out = append(out, Object{Key: info.Key, AnalysisID: id, Kind: kind, Size: info.Size})
	}
	return out, nil
}
