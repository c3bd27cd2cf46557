package snapshot

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hyperengineering/forge/internal/config"
)

func TestNoopUploader(t *testing.T) {
	u := &NoopUploader{}
	if err := u.Upload(context.Background(), "/some/path"); err != nil {
		t.Errorf("Upload() should not error, got %v", err)
	}
	if _, _, err := u.PresignedURL(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("PresignedURL() = %v, want ErrNotConfigured", err)
	}
}

func TestNewUploader_EmptyBucket_ReturnsNoopUploader(t *testing.T) {
	u, err := NewUploader(config.SnapshotStorageConfig{})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected *NoopUploader, got %T", u)
	}
}

func TestNewUploader_WithBucket_ReturnsS3Uploader(t *testing.T) {
	cfg := config.SnapshotStorageConfig{
		Bucket:    "forge-snapshots",
		Endpoint:  "http://localhost:9000",
		Region:    "us-east-1",
		Prefix:    "/shop-42/",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		URLExpiry: config.Duration(15 * time.Minute),
	}

	u, err := NewUploader(cfg)
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	s3u, ok := u.(*S3Uploader)
	if !ok {
		t.Fatalf("expected *S3Uploader, got %T", u)
	}
	if s3u.bucket != "forge-snapshots" {
		t.Errorf("bucket = %q", s3u.bucket)
	}
	if s3u.key != "shop-42/snapshot/current.db" {
		t.Errorf("key = %q", s3u.key)
	}
	if s3u.urlExpiry != 15*time.Minute {
		t.Errorf("urlExpiry = %v", s3u.urlExpiry)
	}
}

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	uploadErr      error
	presignURL     *url.URL
	presignErr     error
	lastBucket     string
	lastObjectName string
	lastFilePath   string
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.lastBucket = bucket
	m.lastObjectName = objectName
	m.lastFilePath = filePath
	return m.uploadErr
}

func (m *mockS3Client) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	m.lastBucket = bucket
	m.lastObjectName = objectName
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	return m.presignURL, nil
}

func newTestUploader(mock *mockS3Client) *S3Uploader {
	return &S3Uploader{
		client:    mock,
		bucket:    "forge-snapshots",
		key:       objectKey("shop-42"),
		urlExpiry: 15 * time.Minute,
	}
}

func TestS3Uploader_Upload(t *testing.T) {
	mock := &mockS3Client{}
	u := newTestUploader(mock)

	if err := u.Upload(context.Background(), "/data/snapshots/current.db"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if mock.lastBucket != "forge-snapshots" {
		t.Errorf("bucket = %q", mock.lastBucket)
	}
	if mock.lastObjectName != "shop-42/snapshot/current.db" {
		t.Errorf("objectName = %q", mock.lastObjectName)
	}
	if mock.lastFilePath != "/data/snapshots/current.db" {
		t.Errorf("filePath = %q", mock.lastFilePath)
	}
}

func TestS3Uploader_Upload_Error(t *testing.T) {
	mock := &mockS3Client{uploadErr: errors.New("network timeout")}
	err := newTestUploader(mock).Upload(context.Background(), "/path/to/file.db")
	if !errors.Is(err, mock.uploadErr) {
		t.Errorf("expected wrapped network timeout error, got %v", err)
	}
}

func TestS3Uploader_PresignedURL(t *testing.T) {
	expected, _ := url.Parse("https://s3.example.com/forge-snapshots/shop-42/snapshot/current.db?token=abc")
	mock := &mockS3Client{presignURL: expected}

	got, expiry, err := newTestUploader(mock).PresignedURL(context.Background())
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}
	if got != expected.String() {
		t.Errorf("url = %q, want %q", got, expected.String())
	}
	want := time.Now().Add(15 * time.Minute)
	if expiry.Before(want.Add(-time.Second)) || expiry.After(want.Add(time.Second)) {
		t.Errorf("expiry = %v, want approximately %v", expiry, want)
	}
}

func TestS3Uploader_PresignedURL_Error(t *testing.T) {
	mock := &mockS3Client{presignErr: errors.New("access denied")}
	if _, _, err := newTestUploader(mock).PresignedURL(context.Background()); err == nil {
		t.Fatal("PresignedURL() expected error, got nil")
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantHost string
		wantSSL  bool
	}{
		{"bare host", "s3.example.com", "s3.example.com", true},
		{"bare host:port", "minio:9000", "minio:9000", true},
		{"https URL", "https://s3.example.com", "s3.example.com", true},
		{"http URL", "http://minio:9000", "minio:9000", false},
		{"https with port", "https://s3.example.com:443", "s3.example.com:443", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssl := true
			got := stripScheme(tt.endpoint, &ssl)
			if got != tt.wantHost {
				t.Errorf("stripScheme(%q) host = %q, want %q", tt.endpoint, got, tt.wantHost)
			}
			if ssl != tt.wantSSL {
				t.Errorf("stripScheme(%q) ssl = %v, want %v", tt.endpoint, ssl, tt.wantSSL)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "snapshot/current.db"},
		{"shop-42", "shop-42/snapshot/current.db"},
		{"/org/shop/", "org/shop/snapshot/current.db"},
	}
	for _, tt := range tests {
		if got := objectKey(tt.prefix); got != tt.want {
			t.Errorf("objectKey(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}
