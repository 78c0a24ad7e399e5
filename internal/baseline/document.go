package baseline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// CurrentVersion is written by the exporter into new documents.
const CurrentVersion = "1.0"

// Document is the on-disk baseline. Two layouts are accepted:
//
//	{"object_id": "sg-…", "ingress": [...], "egress": [...]}
//	{"security_group_id": "sg-…", "baseline_version": "1.0", "created_at": "…",
//	 "baseline_rules": {"ingress": [...], "egress": [...]}}
//
// The exporter writes the second layout with object_id set as well. Rule
// lists are pointers so an absent list can be told apart from an empty one.
type Document struct {
	ObjectID        string            `json:"object_id,omitempty" yaml:"object_id,omitempty"`
	SecurityGroupID string            `json:"security_group_id,omitempty" yaml:"security_group_id,omitempty"`
	Version         string            `json:"baseline_version,omitempty" yaml:"baseline_version,omitempty"`
	CreatedAt       string            `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Ingress         *[]models.RawRule `json:"ingress,omitempty" yaml:"ingress,omitempty"`
	Egress          *[]models.RawRule `json:"egress,omitempty" yaml:"egress,omitempty"`
	Rules           *RuleLists        `json:"baseline_rules,omitempty" yaml:"baseline_rules,omitempty"`
}

// RuleLists is the nested rule block of the exporter layout.
type RuleLists struct {
	Ingress *[]models.RawRule `json:"ingress" yaml:"ingress"`
	Egress  *[]models.RawRule `json:"egress" yaml:"egress"`
}

// Format is the serialisation of a baseline object.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForKey picks the serialisation from the object key's extension.
// Anything that is not .yaml or .yml is JSON.
func FormatForKey(key string) Format {
	switch strings.ToLower(path.Ext(key)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ContentType returns the MIME type stored with the object.
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// Decode parses data in format f.
func Decode(data []byte, f Format) (*Document, error) {
	var doc Document
	switch f {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode YAML baseline: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode JSON baseline: %w", err)
		}
	}
	return &doc, nil
}

// Encode serialises doc in format f. JSON output is indented.
func Encode(doc *Document, f Format) ([]byte, error) {
	if f == FormatYAML {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode YAML baseline: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode YAML baseline: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode JSON baseline: %w", err)
	}
	return append(data, '\n'), nil
}

// objectID returns the declared object id from whichever layout is used.
func (d *Document) objectID() string {
	if d.ObjectID != "" {
		return d.ObjectID
	}
	return d.SecurityGroupID
}

// ruleLists returns the ingress and egress lists, preferring the top-level
// layout. ok is false when either list is absent.
func (d *Document) ruleLists() (ingress, egress []models.RawRule, ok bool) {
	in, eg := d.Ingress, d.Egress
	if d.Rules != nil {
		if in == nil {
			in = d.Rules.Ingress
		}
		if eg == nil {
			eg = d.Rules.Egress
		}
	}
	if in == nil || eg == nil {
		return nil, nil, false
	}
	return *in, *eg, true
}

// createdAt parses the timestamp in the forms the exporter and common
// tooling emit. An unparseable value yields the zero time.
func (d *Document) createdAt() time.Time {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}
	for _, l := range layouts {
		if t, err := time.Parse(l, strings.TrimSpace(d.CreatedAt)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
