package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"chatsync/config"
)

type fakeBucket struct {
	puts []*s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, in)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, f.err
}

func TestGenerateAvatarKey(t *testing.T) {
	tests := []struct {
		tenant, contact, contentType, want string
	}{
		{"t1", "c1", "image/jpeg", "tenants/t1/avatars/c1.jpg"},
		{"t1", "c1", "image/png", "tenants/t1/avatars/c1.png"},
		{"t/1", "5511@s.whatsapp.net", "", "tenants/t_1/avatars/5511_s.whatsapp.net.jpg"},
	}
	for _, tt := range tests {
		if got := GenerateAvatarKey(tt.tenant, tt.contact, tt.contentType); got != tt.want {
			t.Errorf("GenerateAvatarKey(%q, %q, %q) = %q, want %q", tt.tenant, tt.contact, tt.contentType, got, tt.want)
		}
	}
}

func TestGetPublicURL(t *testing.T) {
	tests := []struct {
		name     string
		settings config.S3Settings
		want     string
	}{
		{
			name:     "aws virtual hosted",
			settings: config.S3Settings{Bucket: "avatars", Region: "sa-east-1"},
			want:     "https://avatars.s3.sa-east-1.amazonaws.com/k.jpg",
		},
		{
			name:     "dotted bucket forces path style",
			settings: config.S3Settings{Bucket: "cdn.example.com", Region: "us-east-1"},
			want:     "https://s3.us-east-1.amazonaws.com/cdn.example.com/k.jpg",
		},
		{
			name:     "custom endpoint path style",
			settings: config.S3Settings{Bucket: "avatars", Endpoint: "http://minio:9000/", PathStyle: true},
			want:     "http://minio:9000/avatars/k.jpg",
		},
		{
			name:     "custom endpoint virtual hosted",
			settings: config.S3Settings{Bucket: "avatars", Endpoint: "https://objects.example.net"},
			want:     "https://avatars.objects.example.net/k.jpg",
		},
		{
			name:     "endpoint with bucket prefix is cleaned",
			settings: config.S3Settings{Bucket: "avatars", Endpoint: "https://avatars.objects.example.net"},
			want:     "https://avatars.objects.example.net/k.jpg",
		},
		{
			name:     "public url wins",
			settings: config.S3Settings{Bucket: "avatars", Endpoint: "http://minio:9000", PublicURL: "https://cdn.example.com/"},
			want:     "https://cdn.example.com/avatars/k.jpg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newS3Manager(tt.settings)
			if got := m.GetPublicURL("k.jpg"); got != tt.want {
				t.Errorf("GetPublicURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPutAvatar(t *testing.T) {
	bucket := &fakeBucket{}
	m := newS3Manager(config.S3Settings{Bucket: "avatars", Region: "us-east-1", EnableACL: true})
	m.client = bucket

	url, err := m.PutAvatar(context.Background(), "t1", "c1", []byte("jpeg-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("PutAvatar: %v", err)
	}
	if url != "https://avatars.s3.us-east-1.amazonaws.com/tenants/t1/avatars/c1.jpg" {
		t.Errorf("url = %q", url)
	}
	if len(bucket.puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(bucket.puts))
	}
	in := bucket.puts[0]
	if aws.ToString(in.Key) != "tenants/t1/avatars/c1.jpg" || aws.ToString(in.ContentType) != "image/jpeg" {
		t.Errorf("key=%q contentType=%q", aws.ToString(in.Key), aws.ToString(in.ContentType))
	}
	if in.ACL == "" {
		t.Error("expected public-read ACL when EnableACL is set")
	}
	if string(bucket.body) != "jpeg-bytes" {
		t.Errorf("body = %q", bucket.body)
	}
}

func TestPutAvatarError(t *testing.T) {
	m := newS3Manager(config.S3Settings{Bucket: "avatars"})
	m.client = &fakeBucket{err: errors.New("denied")}

	if _, err := m.PutAvatar(context.Background(), "t1", "c1", []byte("x"), "image/jpeg"); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("err = %v, want wrapped upload error", err)
	}
	if err := m.TestConnection(context.Background()); err == nil {
		t.Fatal("expected TestConnection to fail")
	}
}

func TestNewS3ManagerDisabled(t *testing.T) {
	m, err := NewS3Manager(config.S3Settings{})
	if err != nil || m != nil {
		t.Fatalf("NewS3Manager(disabled) = %v, %v; want nil, nil", m, err)
	}
	if _, err := NewS3Manager(config.S3Settings{Enabled: true, Bucket: "b"}); err == nil {
		t.Fatal("expected missing credentials error")
	}
}
