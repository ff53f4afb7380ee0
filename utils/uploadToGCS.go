package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const XlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// GetGCSClient prefers ADC; GCS_CREDENTIALS_JSON overrides it for local runs.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// ReportBucket is where generated reports go (GCS_REPORT_BUCKET, falling back to GCS_BUCKET).
func ReportBucket() string {
	if b := strings.TrimSpace(os.Getenv("GCS_REPORT_BUCKET")); b != "" {
		return b
	}
	return strings.TrimSpace(os.Getenv("GCS_BUCKET"))
}

// ReportObjectName builds reports/<kind>/<yyyy>/<mm>/<kind>-<timestamp>.<ext>.
func ReportObjectName(kind, ext string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%s-%s.%s", kind, at.Format("20060102T150405Z"), strings.TrimPrefix(ext, "."))
	return path.Join("reports", kind, at.Format("2006"), at.Format("01"), name)
}

// UploadBytesToGCS writes data to the report bucket and returns the gs:// URI.
func UploadBytesToGCS(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	bucketName := ReportBucket()
	if bucketName == "" {
		return "", errors.New("GCS_REPORT_BUCKET is required")
	}

	client, err := GetGCSClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload bytes to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %v", err)
	}
	return fmt.Sprintf("gs://%s/%s", bucketName, objectName), nil
}
