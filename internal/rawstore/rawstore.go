// Package rawstore fetches and archives raw statement payloads. Imports can
// name a local file or a gs:// URI; every accepted payload is archived to
// the raw bucket so a statement can be re-normalized after a parser fix.
package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Fetcher retrieves raw statement bytes by URI.
type Fetcher interface {
	// Fetch resolves a payload URI to its bytes.
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Archiver stores accepted raw payloads for later replay.
type Archiver interface {
	// Archive stores the payload under the tenant and source reference,
	// returning the archive URI.
	Archive(ctx context.Context, tenantID, sourceRef string, data []byte) (string, error)
}

// GCS fetches from and archives to Google Cloud Storage. Local file paths
// are also accepted on fetch, which the CLI and the tests rely on.
// Assumes Application Default Credentials are configured.
type GCS struct {
	bucket string
}

// NewGCS creates a raw store archiving into the given bucket.
func NewGCS(bucket string) *GCS {
	return &GCS{bucket: bucket}
}

// Fetch implements Fetcher. A gs:// URI is read from storage, anything else
// is treated as a local file path.
func (g *GCS) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "gs://") {
		return fetchObject(ctx, uri)
	}
	data, err := os.ReadFile(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: read file %q: %w", uri, err)
	}
	return data, nil
}

// Archive implements Archiver.
func (g *GCS) Archive(ctx context.Context, tenantID, sourceRef string, data []byte) (string, error) {
	if g.bucket == "" {
		return "", fmt.Errorf("Archive: no raw bucket configured")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("Archive: create storage client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	objectName := path.Join("raw", tenantID, sourceRef)
	w := client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Archive: copy payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Archive: finalize upload: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", g.bucket, objectName), nil
}

// fetchObject downloads the bytes behind a gs:// URI.
func fetchObject(ctx context.Context, gcsURI string) ([]byte, error) {
	trimmed := strings.TrimPrefix(gcsURI, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid GCS URI (no object path): %s", gcsURI)
	}
	bucketName, objectPath := parts[0], parts[1]

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetchObject: create storage client: %w", err)
	}
	defer client.Close()

	rc, err := client.Bucket(bucketName).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetchObject: reading object %s/%s: %w", bucketName, objectPath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("fetchObject: reading bytes: %w", err)
	}
	return data, nil
}

var _ Fetcher = (*GCS)(nil)
var _ Archiver = (*GCS)(nil)
