// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statefile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config names the bucket/prefix/credentials an S3Store writes
// generations under, the remote-mirror counterpart to LocalStore's
// on-disk directory (§2 DOMAIN STACK: "alternate StateStore backend next
// to the local-disk one").
type S3Config struct {
	Bucket          string
	Prefix          string // key prefix, e.g. "corelb/statefile/"
	Region          string
	Endpoint        string // non-empty for S3-compatible stores (MinIO etc.)
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store mirrors state-file generations to an S3-compatible bucket,
// giving the persistence layer the same two-backend shape
// (local + S3) the teacher's own backup storage layer offers.
type S3Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	retain   int
	compress Algorithm
}

// NewS3Store builds an S3Store from cfg. A non-empty AccessKeyID/
// SecretAccessKey pair overrides the default credential chain;
// otherwise the SDK's usual environment/instance-role resolution
// applies, the same pattern config.LoadDefaultConfig always follows.
func NewS3Store(ctx context.Context, cfg S3Config, retain int, compress Algorithm) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("statefile: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.TrimSuffix(cfg.Prefix, "/"),
		retain:   retain,
		compress: compress,
	}, nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Save uploads a new generation and prunes old ones beyond retain.
func (s *S3Store) Save(ctx context.Context, records []Record) error {
	var buf bytes.Buffer
	cw, err := NewCompressWriter(&buf, s.compress)
	if err != nil {
		return fmt.Errorf("statefile: opening compressor: %w", err)
	}
	if err := Encode(cw, records); err != nil {
		return fmt.Errorf("statefile: encoding: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("statefile: flushing compressor: %w", err)
	}

	name := generationName(s.compress)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("statefile: uploading generation %s: %w", name, err)
	}

	return s.rotateRemote(ctx)
}

// Load decodes the most recently uploaded generation.
func (s *S3Store) Load(ctx context.Context) ([]Record, error) {
	names, err := s.listGenerations(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	latest := names[len(names)-1]

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(latest)),
	})
	if err != nil {
		return nil, fmt.Errorf("statefile: downloading generation %s: %w", latest, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("statefile: reading generation %s: %w", latest, err)
	}

	r, err := NewDecompressReader(bytes.NewReader(body), algorithmFromName(latest))
	if err != nil {
		return nil, fmt.Errorf("statefile: decompressing %s: %w", latest, err)
	}
	defer r.Close()

	return Decode(r)
}

func (s *S3Store) listGenerations(ctx context.Context) ([]string, error) {
	var names []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("statefile: listing generations: %w", err)
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			name := strings.TrimPrefix(k, s.prefix+"/")
			if strings.HasSuffix(name, ".state") || strings.HasSuffix(name, ".state.gz") || strings.HasSuffix(name, ".state.zst") {
				names = append(names, name)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3Store) rotateRemote(ctx context.Context) error {
	if s.retain <= 0 {
		return nil
	}
	names, err := s.listGenerations(ctx)
	if err != nil {
		return err
	}
	if len(names) <= s.retain {
		return nil
	}
	for _, name := range names[:len(names)-s.retain] {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name)),
		})
		if err != nil {
			return fmt.Errorf("statefile: removing old generation %s: %w", name, err)
		}
	}
	return nil
}
