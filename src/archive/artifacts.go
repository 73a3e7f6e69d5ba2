// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package archive keeps per-round snapshots of generated artifacts in an
// S3-compatible bucket. Archival is best effort and never fails a task.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ArtifactStore struct {
	client *minio.Client
	bucket string
}

// New returns nil without error when no endpoint is configured; archival
// is optional.
func New(cfg Config) (*ArtifactStore, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "tds-artifacts"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &ArtifactStore{client: client, bucket: cfg.Bucket}, nil
}

// StoreArtifact uploads one round's generated page under
// {task}/round-{n}/index.html.
func (a *ArtifactStore) StoreArtifact(ctx context.Context, taskName string, round int, html string) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	key := fmt.Sprintf("%s/round-%d/index.html", taskName, round)
	reader := strings.NewReader(html)
	_, err = a.client.PutObject(ctx, a.bucket, key, reader, int64(len(html)),
		minio.PutObjectOptions{ContentType: "text/html"})
	return err
}
