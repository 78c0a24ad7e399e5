package baseline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3svc "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/securitygroup"
)

// SnapshotSource returns the live permissions of a group in provider shape.
// *securitygroup.Client satisfies it.
type SnapshotSource interface {
	Describe(ctx context.Context, groupID string) (*securitygroup.Snapshot, error)
}

// ExportResult summarises a written baseline.
type ExportResult struct {
	URI          string    `json:"uri"`
	ObjectID     string    `json:"object_id"`
	IngressRules int       `json:"ingress_rules"`
	EgressRules  int       `json:"egress_rules"`
	CreatedAt    time.Time `json:"created_at"`
	Document     *Document `json:"-"`
}

// Exporter snapshots the live group and stores it as the new baseline.
type Exporter struct {
	s3     common.S3Client
	source SnapshotSource
	bucket string
	key    string
	now    func() time.Time
}

// NewExporter returns an Exporter writing to bucket/key (key may contain
// {object_id}).
func NewExporter(api common.S3Client, source SnapshotSource, bucket, key string) *Exporter {
	return &Exporter{s3: api, source: source, bucket: bucket, key: key, now: time.Now}
}

// Snapshot builds the baseline document for objectID from the live group
// without writing it. The document is validated with the same rules the
// loader applies, so an exported baseline always loads.
func (e *Exporter) Snapshot(ctx context.Context, objectID string) (*Document, error) {
	snap, err := e.source.Describe(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", objectID, err)
	}

	ingress := nonNil(snap.Ingress)
	egress := nonNil(snap.Egress)
	doc := &Document{
		ObjectID:        objectID,
		SecurityGroupID: objectID,
		Version:         CurrentVersion,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
		Description:     fmt.Sprintf("Baseline for security group %s (%s)", objectID, snap.GroupName),
		Rules:           &RuleLists{Ingress: &ingress, Egress: &egress},
	}
	if _, err := FromDocument(doc, objectID, "snapshot"); err != nil {
		return nil, fmt.Errorf("validate snapshot of %s: %w", objectID, err)
	}
	return doc, nil
}

// Export snapshots objectID and writes the document to S3 with AES256
// server-side encryption.
func (e *Exporter) Export(ctx context.Context, objectID string) (*ExportResult, error) {
	doc, err := e.Snapshot(ctx, objectID)
	if err != nil {
		return nil, err
	}

	key := ResolveKey(e.key, objectID)
	format := FormatForKey(key)
	body, err := Encode(doc, format)
	if err != nil {
		return nil, err
	}

	_, err = e.s3.PutObject(ctx, &s3svc.PutObjectInput{
		Bucket:               aws.String(e.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String(format.ContentType()),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("write baseline s3://%s/%s: %w", e.bucket, key, err)
	}

	return &ExportResult{
		URI:          fmt.Sprintf("s3://%s/%s", e.bucket, key),
		ObjectID:     objectID,
		IngressRules: len(*doc.Rules.Ingress),
		EgressRules:  len(*doc.Rules.Egress),
		CreatedAt:    doc.createdAt(),
		Document:     doc,
	}, nil
}

func nonNil(rules []models.RawRule) []models.RawRule {
	if rules == nil {
		return []models.RawRule{}
	}
	return rules
}
