// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compliance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ArchiveStore persists closed audit segments to long-term storage.
//
// Implementations must be idempotent: archiving the same segment twice
// must not corrupt the stored copy.
type ArchiveStore interface {
	// Put uploads one segment under the given object name.
	Put(ctx context.Context, objectName string, r io.Reader) error

	// List returns archived object names with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// NopArchiveStore discards uploads. The open-source default when no
// bucket is configured.
type NopArchiveStore struct{}

// Put discards the segment.
func (NopArchiveStore) Put(_ context.Context, _ string, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

// List returns no objects.
func (NopArchiveStore) List(context.Context, string) ([]string, error) { return nil, nil }

// GCSArchiveStore stores segments in a Google Cloud Storage bucket.
type GCSArchiveStore struct {
	client *storage.Client
	bucket string
}

// NewGCSArchiveStore builds a store over the given bucket. Credentials
// come from the ambient environment (ADC).
func NewGCSArchiveStore(ctx context.Context, bucket string) (*GCSArchiveStore, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSArchiveStore{client: client, bucket: bucket}, nil
}

// Put uploads the segment. The object write is atomic on the GCS side:
// readers never see a partial segment.
func (s *GCSArchiveStore) Put(ctx context.Context, objectName string, r io.Reader) error {
	w := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/jsonl"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", objectName, err)
	}
	return nil
}

// List returns archived object names under the prefix.
func (s *GCSArchiveStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list archive objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Close releases the storage client.
func (s *GCSArchiveStore) Close() error { return s.client.Close() }

// Archiver uploads closed audit segments to an ArchiveStore.
type Archiver struct {
	audit  *AuditLogger
	store  ArchiveStore
	logger *slog.Logger
}

// NewArchiver builds an Archiver. A nil store defaults to the nop store.
func NewArchiver(audit *AuditLogger, store ArchiveStore, logger *slog.Logger) *Archiver {
	if store == nil {
		store = NopArchiveStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{audit: audit, store: store, logger: logger}
}

// objectName maps a segment path to its archive object name:
// audit/<service>/<date>/<segment filename>.
func objectName(service, segPath string) string {
	base := filepath.Base(segPath)
	date := "unknown"
	// audit_<service>_<date>_<n>.jsonl
	trimmed := strings.TrimSuffix(base, ".jsonl")
	parts := strings.Split(trimmed, "_")
	if len(parts) >= 3 {
		date = parts[len(parts)-2]
	}
	return fmt.Sprintf("audit/%s/%s/%s", service, date, base)
}

// ArchiveClosed uploads every closed segment (everything except the
// segment currently being written) that is not yet in the store.
//
// Returns the object names uploaded in this pass.
func (a *Archiver) ArchiveClosed(ctx context.Context) ([]string, error) {
	segments, err := a.audit.Segments()
	if err != nil {
		return nil, err
	}
	current := a.audit.CurrentSegment()
	service := a.audit.config.Service

	existing, err := a.store.List(ctx, "audit/"+service+"/")
	if err != nil {
		return nil, fmt.Errorf("list archived segments: %w", err)
	}
	archived := make(map[string]bool, len(existing))
	for _, name := range existing {
		archived[name] = true
	}

	var uploaded []string
	for _, seg := range segments {
		if seg == current {
			continue
		}
		name := objectName(service, seg)
		if archived[name] {
			continue
		}

		file, err := os.Open(seg)
		if err != nil {
			return uploaded, fmt.Errorf("open segment: %w", err)
		}
		err = a.store.Put(ctx, name, file)
		file.Close()
		if err != nil {
			return uploaded, err
		}

		a.logger.Info("archived audit segment", "segment", filepath.Base(seg), "object", name)
		uploaded = append(uploaded, name)
	}
	return uploaded, nil
}
