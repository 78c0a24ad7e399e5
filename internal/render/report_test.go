package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// ── test helpers ──────────────────────────────────────────────────────────────

func makeResult(dir models.Direction, port int32, cidr string, sev models.Severity, outcome models.RevocationOutcome, desc string) models.RuleResult {
	return models.RuleResult{
		Rule: models.Rule{
			Direction: dir, Protocol: models.ProtocolTCP,
			HasPorts: true, FromPort: port, ToPort: port,
			Source: models.Source{Kind: models.SourceCIDRv4, Value: cidr},
		},
		Description: desc,
		Severity:    sev,
		Outcome:     outcome,
		Attempts:    1,
	}
}

func makeFinding(results ...models.RuleResult) *models.DriftFinding {
	return &models.DriftFinding{
		ObjectID:  "sg-0123456789abcdef0",
		Region:    "us-east-1",
		EventID:   "evt-1",
		EventName: "AuthorizeSecurityGroupIngress",
		EventTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     models.Actor{Name: "alice", Type: "IAMUser", ARN: "arn:aws:iam::123456789012:user/alice", Known: true},
		Results:   results,
	}
}

// ── RenderDriftReport ─────────────────────────────────────────────────────────

// The report must carry object id, actor, timestamp and every rule with its
// description and outcome.
func TestRenderDriftReport_RequiredContent(t *testing.T) {
	f := makeFinding(
		makeResult(models.DirectionIngress, 3389, "0.0.0.0/0", models.SeverityCritical, models.OutcomeRevoked,
			"Inbound Protocol tcp, Port 3389 from 0.0.0.0/0"),
	)

	var buf bytes.Buffer
	RenderDriftReport(&buf, f)
	out := buf.String()

	for _, want := range []string{
		"SECURITY GROUP DRIFT DETECTED AND REMEDIATED",
		"Security Group: sg-0123456789abcdef0",
		"User: alice",
		"Timestamp: 2026-03-01T12:00:00Z",
		"Total Unauthorized Rules: 1",
		"Highest Severity: CRITICAL",
		"[INGRESS] [CRITICAL] Inbound Protocol tcp, Port 3389 from 0.0.0.0/0: revoked",
		"#SecurityGroup:groupId=sg-0123456789abcdef0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRenderDriftReport_PartialFailureListsBothOutcomes(t *testing.T) {
	failed := makeResult(models.DirectionIngress, 22, "0.0.0.0/0", models.SeverityCritical, models.OutcomeFailed,
		"Inbound Protocol tcp, Port 22 from 0.0.0.0/0")
	failed.Reason = "ProviderThrottled: revoke ingress rule on sg-0123456789abcdef0: RequestLimitExceeded"
	ok := makeResult(models.DirectionEgress, 25, "10.0.0.0/8", models.SeverityMedium, models.OutcomeRevoked,
		"Outbound Protocol tcp, Port 25 to 10.0.0.0/8")

	out := DriftText(makeFinding(failed, ok))

	for _, want := range []string{
		"REMEDIATION INCOMPLETE",
		"Rules Removed: 1",
		"Failed Revocations: 1",
		"Unauthorized Egress Rules: 1",
		": failed",
		"Error: ProviderThrottled",
		"[EGRESS] [MEDIUM] Outbound Protocol tcp, Port 25 to 10.0.0.0/8: revoked",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRenderDriftReport_UnknownActorAndMissingBaseline(t *testing.T) {
	f := makeFinding(makeResult(models.DirectionIngress, 80, "10.0.0.0/8", models.SeverityMedium, models.OutcomeAlreadyAbsent, "x"))
	f.Actor = models.Actor{Name: "unknown"}
	f.EventTime = time.Time{}
	f.MissingBaselineRules = []models.Rule{{
		Direction: models.DirectionIngress, Protocol: models.ProtocolTCP,
		HasPorts: true, FromPort: 443, ToPort: 443,
		Source: models.Source{Kind: models.SourceCIDRv4, Value: "0.0.0.0/0"},
	}}

	out := DriftText(f)
	for _, want := range []string{
		"User: unknown",
		"ARN: Unknown",
		"Timestamp: Unknown",
		"(not restored)",
		"Inbound Protocol tcp, Port 443 from 0.0.0.0/0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

// ── subjects ──────────────────────────────────────────────────────────────────

func TestSubjects(t *testing.T) {
	f := makeFinding(makeResult(models.DirectionIngress, 22, "0.0.0.0/0", models.SeverityCritical, models.OutcomeRevoked, "x"))
	if got := DriftSubject(f); got != "Security Group Drift Detected - sg-0123456789abcdef0" {
		t.Errorf("DriftSubject = %q", got)
	}
	f.Results[0].Outcome = models.OutcomeFailed
	if got := DriftSubject(f); !strings.Contains(got, "Remediation Incomplete") {
		t.Errorf("DriftSubject(partial) = %q", got)
	}

	long := models.FaultNotice{ObjectID: strings.Repeat("x", 200)}
	if got := FaultSubject(long); len(got) > maxSubjectLen {
		t.Errorf("FaultSubject length = %d, want <= %d", len(got), maxSubjectLen)
	}
}

// ── faults ────────────────────────────────────────────────────────────────────

func TestRenderFaultReport(t *testing.T) {
	out := FaultText(models.FaultNotice{
		ObjectID: "sg-1", Region: "eu-west-1", EventID: "evt-9", EventName: "AuthorizeSecurityGroupIngress",
		Code: "BaselineCorrupt", Kind: "data", Message: "decode baseline: unexpected EOF",
		At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	for _, want := range []string{
		"ERROR IN SECURITY GROUP DRIFT GUARD",
		"Security Group: sg-1",
		"Error: BaselineCorrupt (data)",
		"Details: decode baseline: unexpected EOF",
		"No rules were changed.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

// ── JSON ──────────────────────────────────────────────────────────────────────

func TestWriteResultJSON(t *testing.T) {
	res := models.InvocationResult{
		InvocationID: "inv-1",
		EventID:      "evt-1",
		ObjectID:     "sg-1",
		State:        models.StateCompleted,
		Outcome:      models.OutcomeNoDrift,
		Trail:        []models.State{models.StateReceived, models.StateCompleted},
	}
	var buf bytes.Buffer
	if err := WriteResultJSON(&buf, res); err != nil {
		t.Fatalf("WriteResultJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if decoded["outcome"] != "no-drift" || decoded["state"] != "completed" {
		t.Errorf("decoded = %v", decoded)
	}
	if !strings.Contains(buf.String(), "\n  \"") {
		t.Error("output should be indented")
	}
}
