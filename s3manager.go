package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"chatsync/config"
)

// objectPutter is the subset of the S3 client the avatar mirror needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Manager mirrors contact avatars into a single bucket.
type S3Manager struct {
	client    objectPutter
	settings  config.S3Settings
	endpoint  string
	pathStyle bool
}

// NewS3Manager builds the avatar object store. It returns nil, nil when mirroring is disabled.
func NewS3Manager(settings config.S3Settings) (*S3Manager, error) {
	if !settings.Enabled {
		return nil, nil
	}
	if settings.AccessKey == "" || settings.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	m := newS3Manager(settings)

	credProvider := credentials.NewStaticCredentialsProvider(settings.AccessKey, settings.SecretKey, "")
	cfg := aws.Config{
		Region:      settings.Region,
		Credentials: credProvider,
	}
	if m.endpoint != "" {
		endpoint := m.endpoint
		cfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: endpoint, HostnameImmutable: settings.PathStyle}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
	}

	m.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = m.pathStyle
	})

	log.Info().
		Str("bucket", settings.Bucket).
		Str("region", settings.Region).
		Str("endpoint", m.endpoint).
		Bool("pathStyle", m.pathStyle).
		Msg("S3 avatar mirror initialized")
	return m, nil
}

func newS3Manager(settings config.S3Settings) *S3Manager {
	endpoint := settings.Endpoint
	// An endpoint carrying the bucket host prefix is a common misconfiguration.
	if endpoint != "" && settings.Bucket != "" && strings.Contains(endpoint, settings.Bucket+".") {
		endpoint = strings.Replace(endpoint, settings.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", settings.Endpoint).
			Str("cleanedEndpoint", endpoint).
			Str("bucket", settings.Bucket).
			Msg("Cleaned bucket name from S3 endpoint")
	}
	return &S3Manager{
		settings:  settings,
		endpoint:  endpoint,
		pathStyle: settings.PathStyle || strings.Contains(settings.Bucket, "."),
	}
}

// GenerateAvatarKey returns the object key of a contact's avatar.
func GenerateAvatarKey(tenantID, contactID, contentType string) string {
	ext := ".jpg"
	switch {
	case strings.Contains(contentType, "png"):
		ext = ".png"
	case strings.Contains(contentType, "webp"):
		ext = ".webp"
	case strings.Contains(contentType, "gif"):
		ext = ".gif"
	}
	clean := strings.NewReplacer("/", "_", "@", "_", ":", "_")
	return fmt.Sprintf("tenants/%s/avatars/%s%s", clean.Replace(tenantID), clean.Replace(contactID), ext)
}

// PutAvatar uploads an avatar and returns its public URL.
func (m *S3Manager) PutAvatar(ctx context.Context, tenantID, contactID string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := GenerateAvatarKey(tenantID, contactID, contentType)

	input := &s3.PutObjectInput{
		Bucket:             aws.String(m.settings.Bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(data),
		ContentType:        aws.String(contentType),
		CacheControl:       aws.String("public, max-age=3600"),
		ContentDisposition: aws.String("inline"),
	}
	if m.settings.EnableACL {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		log.Error().
			Str("tenantId", tenantID).
			Str("key", key).
			Str("bucket", m.settings.Bucket).
			Int("size", len(data)).
			Err(err).
			Msg("Failed to upload avatar to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Debug().
		Str("tenantId", tenantID).
		Str("key", key).
		Int("size", len(data)).
		Msg("Avatar uploaded to S3")
	return m.GetPublicURL(key), nil
}

// GetPublicURL generates the public URL of an object.
func (m *S3Manager) GetPublicURL(key string) string {
	bucket := m.settings.Bucket
	if m.settings.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.settings.PublicURL, "/"), bucket, key)
	}

	if m.endpoint == "" || strings.Contains(m.endpoint, "amazonaws.com") {
		if m.pathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", m.settings.Region, bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, m.settings.Region, key)
	}

	if m.pathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.endpoint, "/"), bucket, key)
	}
	host := strings.TrimPrefix(m.endpoint, "https://")
	host = strings.TrimPrefix(host, "http://")
	return fmt.Sprintf("https://%s.%s/%s", bucket, strings.TrimRight(host, "/"), key)
}

// TestConnection lists at most one object to prove the bucket is reachable.
func (m *S3Manager) TestConnection(ctx context.Context) error {
	_, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(m.settings.Bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", m.settings.Bucket, err)
	}
	return nil
}
