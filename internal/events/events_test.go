package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/normalize"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

// ── EventBridge envelope ──────────────────────────────────────────────────

func TestParse_CloudTrailEnvelope(t *testing.T) {
	ev, err := Parse(readFixture(t, "authorize_ingress.json"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if ev.EventID != "c4f1a9b2-3c55-4d1e-9d62-6f5c0f4f2a11" {
		t.Errorf("EventID = %q", ev.EventID)
	}
	if ev.ObjectID != "sg-0123456789abcdef0" {
		t.Errorf("ObjectID = %q", ev.ObjectID)
	}
	if ev.Operation != models.OperationAuthorize {
		t.Errorf("Operation = %q", ev.Operation)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !ev.EventTime.Equal(want) {
		t.Errorf("EventTime = %v, want %v (detail time, not envelope time)", ev.EventTime, want)
	}
	if ev.Region != "us-east-1" || ev.AccountID != "123456789012" {
		t.Errorf("region/account = %q/%q", ev.Region, ev.AccountID)
	}
	if len(ev.Actor) == 0 {
		t.Error("Actor payload missing")
	}

	if len(ev.MutatedRules) != 1 {
		t.Fatalf("MutatedRules = %d, want 1", len(ev.MutatedRules))
	}
	rules, err := normalize.NormalizeDirected(ev.MutatedRules)
	if err != nil {
		t.Fatalf("normalize mutated rules: %v", err)
	}
	if rules[0].Direction != models.DirectionIngress || rules[0].FromPort != 3389 || rules[0].Source.Value != "0.0.0.0/0" {
		t.Errorf("mutated rule = %+v", rules[0])
	}
}

func TestFromCloudWatchEvent_EgressAndFailedCalls(t *testing.T) {
	env := []byte(`{"id":"env-1","time":"2026-03-01T00:00:00Z","detail":{
		"eventID":"evt-egress","eventName":"AuthorizeSecurityGroupEgress",
		"requestParameters":{"groupId":"sg-1","ipPermissions":{"items":[
			{"ipProtocol":"-1","ipv6Ranges":{"items":[{"cidrIpv6":"::/0"}]}}]}}}}`)
	ev, err := Parse(env)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.MutatedRules[0].Direction != models.DirectionEgress {
		t.Errorf("direction = %s, want egress", ev.MutatedRules[0].Direction)
	}
	if got := ev.MutatedRules[0].Rule.IPv6Ranges[0].CidrIPv6; got != "::/0" {
		t.Errorf("ipv6 source = %q", got)
	}

	failed := []byte(`{"id":"env-2","detail":{"eventID":"evt-denied","eventName":"AuthorizeSecurityGroupIngress",
		"errorCode":"Client.UnauthorizedOperation","requestParameters":{"groupId":"sg-1"}}}`)
	ev, err = Parse(failed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Operation != models.OperationOther {
		t.Errorf("failed call operation = %s, want other", ev.Operation)
	}
}

func TestFromCloudWatchEvent_FallsBackToEnvelopeID(t *testing.T) {
	ev, err := Parse([]byte(`{"id":"env-9","detail":{"eventName":"RevokeSecurityGroupIngress"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.EventID != "env-9" || ev.Operation != models.OperationRevoke {
		t.Errorf("event = %+v", ev)
	}
}

// ── flat documents ────────────────────────────────────────────────────────

func TestParse_FlatChangeEvent(t *testing.T) {
	ev, err := Parse([]byte(`{
		"event_id":"evt-7","event_time":"2026-03-01T08:00:00Z",
		"event_name":"AuthorizeSecurityGroupIngress","object_id":"sg-1",
		"actor":{"type":"Root"}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Operation != models.OperationAuthorize {
		t.Errorf("operation inferred = %q", ev.Operation)
	}
}

func TestParse_FlatChangeEvent_LongFieldNames(t *testing.T) {
	ev, err := Parse([]byte(`{
		"event_id":"evt-8","event_time":"2026-03-01T08:00:00Z","object_id":"sg-1",
		"operation_kind":"Authorize",
		"actor_identity":"arn:aws:iam::123456789012:user/alice",
		"mutated_rules":[
			{"IpProtocol":"tcp","FromPort":22,"ToPort":22,"IpRanges":[{"CidrIp":"0.0.0.0/0"}]},
			{"direction":"egress","rule":{"IpProtocol":"-1","IpRanges":[{"CidrIp":"10.0.0.0/8"}]}}
		]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Operation != models.OperationAuthorize {
		t.Errorf("operation = %q, want authorize", ev.Operation)
	}
	if string(ev.Actor) != `"arn:aws:iam::123456789012:user/alice"` {
		t.Errorf("actor = %s", ev.Actor)
	}
	if len(ev.MutatedRules) != 2 {
		t.Fatalf("mutated rules = %d, want 2", len(ev.MutatedRules))
	}
	bare := ev.MutatedRules[0]
	if bare.Direction != models.DirectionIngress || bare.Rule.IPProtocol != "tcp" || len(bare.Rule.IPRanges) != 1 {
		t.Errorf("bare rule = %+v", bare)
	}
	if ev.MutatedRules[1].Direction != models.DirectionEgress {
		t.Errorf("directed rule = %+v", ev.MutatedRules[1])
	}
}

func TestParse_FlatChangeEvent_ExplicitOperationWins(t *testing.T) {
	ev, err := Parse([]byte(`{"event_id":"e","object_id":"sg-1","event_name":"AuthorizeSecurityGroupIngress","operation":"revoke"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Operation != models.OperationRevoke {
		t.Errorf("operation = %q, want revoke", ev.Operation)
	}
}

// ── malformed input ───────────────────────────────────────────────────────

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "  ",
		"not json":       "<xml/>",
		"array":          "[1,2]",
		"no id":          `{"object_id":"sg-1"}`,
		"bad detail":     `{"detail":"nope"}`,
		"empty detail":   `{"id":"","detail":{}}`,
		"bad event time": `{"id":"x","detail":{"eventID":"e","eventTime":"yesterday"}}`,
		"unknown op":     `{"event_id":"e","object_id":"sg-1","operation_kind":"delete"}`,
		"no op":          `{"event_id":"e","object_id":"sg-1"}`,
		"bad rule":       `{"event_id":"e","object_id":"sg-1","operation":"authorize","mutated_rules":[42]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(payload))
			if !faults.Is(err, faults.MalformedEvent) {
				t.Errorf("err = %v, want MalformedEvent", err)
			}
		})
	}
}

func TestOperationFor(t *testing.T) {
	cases := map[string]models.Operation{
		"AuthorizeSecurityGroupIngress": models.OperationAuthorize,
		"AuthorizeSecurityGroupEgress":  models.OperationAuthorize,
		"RevokeSecurityGroupEgress":     models.OperationRevoke,
		"ModifySecurityGroupRules":      models.OperationOther,
		"":                              models.OperationOther,
	}
	for name, want := range cases {
		if got := OperationFor(name); got != want {
			t.Errorf("OperationFor(%q) = %s, want %s", name, got, want)
		}
	}
}
