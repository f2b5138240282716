package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
)

// DefaultBucket is the bucket name reported for recordings kept in simple-content
const DefaultBucket = "simple-content"

// tenantID scopes every recording uploaded through the pipeline
var tenantID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

// ContentStore keeps uploaded recordings in a simple-content service
type ContentStore struct {
	service simplecontent.Service
	prefix  string
}

// NewContentStore creates a store reporting keys under uploadPrefix
func NewContentStore(service simplecontent.Service, uploadPrefix string) *ContentStore {
	return &ContentStore{
		service: service,
		prefix:  uploadPrefix,
	}
}

// Upload stores the recording and returns the key the trigger expects: {prefix}{user_id}/{file_name}
func (cs *ContentStore) Upload(ctx context.Context, up Upload) (*Stored, error) {
	if up.Reader == nil {
		return nil, errors.New("upload has no content")
	}
	fileName := path.Base(strings.ReplaceAll(up.FileName, "\\", "/"))
	if fileName == "" || fileName == "." || fileName == "/" {
		return nil, errors.New("file name is required")
	}
	userID := up.UserID
	if userID == "" {
		userID = "anonymous"
	}

	counter := &countingReader{r: up.Reader}
	content, err := cs.service.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:      OwnerID(userID),
		TenantID:     tenantID,
		Name:         fileName,
		DocumentType: up.MimeType,
		Reader:       counter,
		FileName:     fileName,
		Tags:         []string{"recording", userID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload content: %w", err)
	}

	return &Stored{
		ContentID: content.ID.String(),
		Bucket:    DefaultBucket,
		Key:       cs.prefix + userID + "/" + fileName,
		Size:      counter.n,
	}, nil
}

// OwnerID maps a user id onto the UUID simple-content owns content by
func OwnerID(userID string) uuid.UUID {
	if id, err := uuid.Parse(userID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("transcript-pipeline/users/"+userID))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
