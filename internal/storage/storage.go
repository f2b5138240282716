package storage

import (
	"context"
	"io"
)

// Upload is a recording to store
type Upload struct {
	UserID   string
	FileName string
	MimeType string
	Reader   io.Reader
}

// Stored describes a stored recording as an object-store location
type Stored struct {
	ContentID string
	Bucket    string
	Key       string
	Size      int64
}

// Uploader stores recordings
type Uploader interface {
	Upload(ctx context.Context, up Upload) (*Stored, error)
}
