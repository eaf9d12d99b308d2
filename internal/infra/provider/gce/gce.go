// Package gce implements the cloud capabilities on Google Compute Engine.
//
// Identities map as follows: a subscription is a GCP project, a resource
// group is a zone, and a location is a region. Snapshot tags are stored as
// labels, except the recovery descriptor which does not fit label limits and
// is stored in the snapshot description.
package gce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/infra/provider"
)

// Config selects the project and endpoint.
type Config struct {
	Project         string
	Zone            string
	Endpoint        string
	CredentialsFile string
	// TriggerKey and TriggerValue select the instances to back up.
	TriggerKey   string
	TriggerValue string
}

// Cloud is a provider.Cloud backed by the Compute Engine API.
type Cloud struct {
	svc *compute.Service
	cfg Config
	log *slog.Logger
}

var _ provider.Cloud = (*Cloud)(nil)

// New dials the Compute Engine API.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Cloud, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	return NewWithService(svc, cfg, logger), nil
}

// NewWithService wraps an existing compute service.
func NewWithService(svc *compute.Service, cfg Config, logger *slog.Logger) *Cloud {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloud{svc: svc, cfg: cfg, log: logger.With("component", "gce")}
}

// requestID derives a stable id so a replayed insert or delete does not
// create a second operation.
func requestID(op, name string) string {
	return uuid.NewSHA1(uuid.Nil, []byte(op+"-"+name)).String()
}

// logErrors logs the errors in the given *googleapi.Error.
func (c *Cloud) logErrors(err error) {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return
	}
	for _, e := range gerr.Errors {
		c.log.Error("Compute API error", "code", gerr.Code, "reason", e.Reason, "message", e.Message)
	}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// opError converts a failed long-running operation into an error.
func opError(op *compute.Operation) error {
	if op == nil || op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(op.Error.Errors))
	for _, e := range op.Error.Errors {
		msgs = append(msgs, e.Code+": "+e.Message)
	}
	return errors.New(strings.Join(msgs, "; "))
}

var invalidLabel = regexp.MustCompile(`[^a-z0-9_-]`)

// labelValue makes s acceptable as a label key or value.
func labelValue(s string) string {
	s = invalidLabel.ReplaceAllString(strings.ToLower(s), "_")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// diskLabel digests a disk id into a label value. Sanitized disk paths are
// cut at 63 characters, so two disks of one zone would share a label.
func diskLabel(diskID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(diskPath(diskID))).String()
}

// diskPath strips the API host from a disk URL.
func diskPath(disk string) string {
	if i := strings.Index(disk, "projects/"); i >= 0 {
		return disk[i:]
	}
	return disk
}

func toLabels(tags map[string]string) map[string]string {
	labels := make(map[string]string, len(tags))
	for k, v := range tags {
		switch k {
		case domain.TagRecoveryInfo:
		case domain.TagSourceDiskID:
			labels[labelValue(k)] = diskLabel(v)
		default:
			labels[labelValue(k)] = labelValue(v)
		}
	}
	return labels
}

// regionOf strips the zone suffix: us-central1-a -> us-central1.
func regionOf(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

func (c *Cloud) project(subscriptionID string) string {
	if subscriptionID != "" {
		return subscriptionID
	}
	return c.cfg.Project
}

func (c *Cloud) zone(resourceGroup string) string {
	if resourceGroup != "" {
		return resourceGroup
	}
	return c.cfg.Zone
}

func snapshotID(project, name string) string {
	return fmt.Sprintf("projects/%s/global/snapshots/%s", project, name)
}

func toInfo(project, zone string, s *compute.Snapshot) domain.SnapshotInfo {
	tags := make(map[string]string, len(s.Labels)+1)
	for k, v := range s.Labels {
		tags[k] = v
	}
	if s.Description != "" {
		tags[domain.TagRecoveryInfo] = s.Description
	}
	if s.SourceDisk != "" {
		tags[domain.TagSourceDiskID] = diskPath(s.SourceDisk)
	}
	location := ""
	if len(s.StorageLocations) > 0 {
		location = s.StorageLocations[0]
	}
	created, _ := time.Parse(time.RFC3339, s.CreationTimestamp)
	return domain.SnapshotInfo{
		Snapshot: domain.Snapshot{
			ID:             snapshotID(project, s.Name),
			Name:           s.Name,
			Location:       location,
			ResourceGroup:  zone,
			SubscriptionID: project,
		},
		Tags:      tags,
		CreatedAt: created,
	}
}
