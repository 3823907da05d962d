package writer

import (
	"strings"
	"testing"
	"time"

	appconfig "jobflow/config"
	"jobflow/models"
)

func TestGenerateS3KeyPartitionsBySourceAndDay(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Storage.S3.Prefix = "jobflow"
	a := &ErrorArchive{config: cfg}

	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	key := a.generateS3Key("adzuna", now)

	if !strings.HasPrefix(key, "jobflow/errors/source=adzuna/year=2026/month=08/day=25/") {
		t.Errorf("unexpected key layout: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key missing parquet extension: %s", key)
	}
	if strings.Contains(key, "\\") {
		t.Errorf("key contains backslashes: %s", key)
	}
}

func TestCreateParquetFilePreservesPayload(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Storage.S3.Compression = "snappy"
	a := &ErrorArchive{config: cfg}

	listings := []models.RawListing{
		{SourceID: "adzuna", SourceURL: "https://a.example/1", FetchedAt: time.Now().UTC(), Payload: []byte(`{"broken": true`)},
		{SourceID: "adzuna", SourceURL: "https://a.example/2", FetchedAt: time.Now().UTC(), Payload: []byte("<html>")},
	}

	data, size, err := a.createParquetFile(listings)
	if err != nil {
		t.Fatalf("create parquet: %v", err)
	}
	if size == 0 || len(data) == 0 {
		t.Error("parquet file is empty")
	}
	if int64(len(data)) != size {
		t.Errorf("size mismatch: %d != %d", len(data), size)
	}
}
