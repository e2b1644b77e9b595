package storage

import (
	"bytes"
	"fmt"
	"io"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Uploader stores an object under a key.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// objectStore is the part of the Supabase storage client used here.
type objectStore interface {
	UploadFile(bucketID, relativePath string, data io.Reader, opts ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

// Supabase stores objects in a Supabase Storage bucket.
type Supabase struct {
	files  objectStore
	bucket string
}

func NewSupabase(cfg Config) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "speech"
	}
	return &Supabase{files: client.Storage, bucket: bucket}, nil
}

// Upload stores data under key. An empty contentType leaves the choice to
// the storage service.
func (s *Supabase) Upload(key, contentType string, data []byte) error {
	var opts []storage_go.FileOptions
	if contentType != "" {
		opts = append(opts, storage_go.FileOptions{ContentType: &contentType})
	}
	if _, err := s.files.UploadFile(s.bucket, key, bytes.NewReader(data), opts...); err != nil {
		return fmt.Errorf("upload %s to supabase bucket %s: %w", key, s.bucket, err)
	}
	return nil
}
