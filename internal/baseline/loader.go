// Package baseline reads and writes the authorized rule set of the
// monitored security group.
package baseline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3svc "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/normalize"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/retry"
)

// ObjectIDPlaceholder in a key template is replaced by the monitored
// object's id.
const ObjectIDPlaceholder = "{object_id}"

// maxDocumentBytes caps how much of the object is read.
const maxDocumentBytes = 8 << 20

// Loader reads the baseline document from S3. It never caches: every Load
// reads the object again.
type Loader struct {
	s3     common.S3Client
	bucket string
	key    string
	policy retry.Policy
}

// NewLoader returns a Loader for bucket/key. key may contain {object_id}.
func NewLoader(api common.S3Client, bucket, key string) *Loader {
	return &Loader{s3: api, bucket: bucket, key: key, policy: retry.DefaultPolicy}
}

// WithRetryPolicy returns l with p used for throttled reads.
func (l *Loader) WithRetryPolicy(p retry.Policy) *Loader {
	l.policy = p
	return l
}

// ObjectKey resolves the key template for objectID.
func (l *Loader) ObjectKey(objectID string) string {
	return ResolveKey(l.key, objectID)
}

// URI returns the s3:// location read for objectID.
func (l *Loader) URI(objectID string) string {
	return fmt.Sprintf("s3://%s/%s", l.bucket, l.ObjectKey(objectID))
}

// Load reads, decodes and normalizes the baseline for objectID.
//
// A read failure of any kind, including a missing object, is
// BaselineUnavailable: an unreadable baseline never counts as empty.
// A document that is over the size limit, cannot be decoded, lacks a rule
// list, names another object or holds a malformed rule is BaselineCorrupt.
func (l *Loader) Load(ctx context.Context, objectID string) (models.Baseline, error) {
	key := l.ObjectKey(objectID)
	uri := l.URI(objectID)

	data, err := l.read(ctx, key)
	if err != nil {
		return models.Baseline{}, faults.New(faults.BaselineUnavailable, "read baseline "+uri, err)
	}
	if len(data) > maxDocumentBytes {
		return models.Baseline{}, faults.Newf(faults.BaselineCorrupt, "read baseline "+uri, "baseline object exceeds %d bytes", maxDocumentBytes)
	}

	doc, err := Decode(data, FormatForKey(key))
	if err != nil {
		return models.Baseline{}, faults.New(faults.BaselineCorrupt, "decode baseline "+uri, err)
	}
	return FromDocument(doc, objectID, uri)
}

// FromDocument validates doc against objectID and builds the canonical
// Baseline.
func FromDocument(doc *Document, objectID, sourceURI string) (models.Baseline, error) {
	op := "validate baseline " + sourceURI
	if got := doc.objectID(); got != objectID {
		return models.Baseline{}, faults.Newf(faults.BaselineCorrupt, op, "baseline is for %q, monitored object is %q", got, objectID)
	}
	ingress, egress, ok := doc.ruleLists()
	if !ok {
		return models.Baseline{}, faults.Newf(faults.BaselineCorrupt, op, "baseline must define both ingress and egress rule lists")
	}
	rules, err := normalize.NormalizeAll(ingress, egress)
	if err != nil {
		return models.Baseline{}, faults.New(faults.BaselineCorrupt, op, err)
	}
	return models.Baseline{
		ObjectID:  objectID,
		Rules:     rules,
		Version:   doc.Version,
		CreatedAt: doc.createdAt(),
		SourceURI: sourceURI,
	}, nil
}

// ResolveKey substitutes objectID into a key template.
func ResolveKey(template, objectID string) string {
	return strings.ReplaceAll(template, ObjectIDPlaceholder, objectID)
}

func (l *Loader) read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	_, err := retry.Do(ctx, l.policy, common.IsThrottle, func(ctx context.Context) error {
		out, err := l.s3.GetObject(ctx, &s3svc.GetObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(io.LimitReader(out.Body, maxDocumentBytes+1))
		if err != nil {
			return fmt.Errorf("read object body: %w", err)
		}
		return nil
	}, nil)
	if err != nil {
		if common.HasCode(err, "NoSuchKey", "NoSuchBucket", "NotFound") {
			return nil, fmt.Errorf("baseline object s3://%s/%s does not exist: %w", l.bucket, key, err)
		}
		return nil, err
	}
	return data, nil
}
