// Package render turns drift findings into the text operators read in
// notifications and on the terminal. It is a pure rendering package: no
// provider calls, no remediation decisions.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/drift"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// Subject lengths are capped by the email channel.
const maxSubjectLen = 99

// DriftSubject is the one-line title of a drift notification.
func DriftSubject(f *models.DriftFinding) string {
	prefix := "Security Group Drift Detected"
	if !f.Succeeded() {
		prefix = "Security Group Drift - Remediation Incomplete"
	}
	return truncate(prefix+" - "+f.ObjectID, maxSubjectLen)
}

// FaultSubject is the one-line title of a fault notification.
func FaultSubject(n models.FaultNotice) string {
	return truncate("Drift Guard Error - "+n.ObjectID, maxSubjectLen)
}

// RenderDriftReport writes the plain-text drift report to w.
//
// Example output:
//
//	SECURITY GROUP DRIFT DETECTED AND REMEDIATED
//
//	Security Group: sg-0123456789abcdef0
//	Region: us-east-1
//	Event: AuthorizeSecurityGroupIngress (c4f1a9b2-...)
//	Timestamp: 2026-03-01T12:00:00Z
//
//	CHANGE MADE BY:
//	User: alice
//	...
//
//	RULES:
//	  - [INGRESS] [CRITICAL] Inbound Protocol tcp, Port 3389 from 0.0.0.0/0: revoked
func RenderDriftReport(w io.Writer, f *models.DriftFinding) {
	removed, failed := f.Counts()
	ingress, egress := 0, 0
	for _, r := range f.Results {
		if r.Rule.Direction == models.DirectionEgress {
			egress++
		} else {
			ingress++
		}
	}

	if failed == 0 {
		fmt.Fprintln(w, "SECURITY GROUP DRIFT DETECTED AND REMEDIATED")
	} else {
		fmt.Fprintln(w, "SECURITY GROUP DRIFT DETECTED - REMEDIATION INCOMPLETE")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Security Group: %s\n", f.ObjectID)
	if f.Region != "" {
		fmt.Fprintf(w, "Region: %s\n", f.Region)
	}
	if f.AccountID != "" {
		fmt.Fprintf(w, "Account: %s\n", f.AccountID)
	}
	fmt.Fprintf(w, "Event: %s (%s)\n", orUnknown(f.EventName), f.EventID)
	fmt.Fprintf(w, "Timestamp: %s\n", formatTime(f.EventTime))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "CHANGE MADE BY:")
	fmt.Fprintf(w, "User: %s\n", f.Actor.Name)
	fmt.Fprintf(w, "Type: %s\n", orUnknown(f.Actor.Type))
	fmt.Fprintf(w, "ARN: %s\n", orUnknown(f.Actor.ARN))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "DRIFT SUMMARY:")
	fmt.Fprintf(w, "Total Unauthorized Rules: %d\n", len(f.Results))
	fmt.Fprintf(w, "Unauthorized Ingress Rules: %d\n", ingress)
	fmt.Fprintf(w, "Unauthorized Egress Rules: %d\n", egress)
	if sev := f.HighestSeverity(); sev != "" {
		fmt.Fprintf(w, "Highest Severity: %s\n", sev)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "REMEDIATION RESULTS:")
	fmt.Fprintf(w, "Rules Removed: %d\n", removed)
	fmt.Fprintf(w, "Failed Revocations: %d\n", failed)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "RULES:")
	for _, r := range f.Results {
		fmt.Fprintf(w, "  - %s\n", RuleLine(r))
		if r.Reason != "" {
			fmt.Fprintf(w, "    Error: %s\n", r.Reason)
		}
	}

	if len(f.MissingBaselineRules) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "BASELINE RULES MISSING FROM THE GROUP (not restored):")
		for _, r := range f.MissingBaselineRules {
			fmt.Fprintf(w, "  - [%s] %s\n", strings.ToUpper(string(r.Direction)), drift.Describe(r))
		}
	}

	if f.Region != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Security Group: https://%s.console.aws.amazon.com/ec2/home?region=%s#SecurityGroup:groupId=%s\n",
			f.Region, f.Region, f.ObjectID)
	}
}

// RuleLine renders one rule result on a single line:
// "[INGRESS] [CRITICAL] Inbound Protocol tcp, Port 22 from 0.0.0.0/0: revoked".
func RuleLine(r models.RuleResult) string {
	return fmt.Sprintf("[%s] [%s] %s: %s",
		strings.ToUpper(string(r.Rule.Direction)), r.Severity, r.Description, r.Outcome)
}

// RenderFaultReport writes the plain-text fault report to w.
func RenderFaultReport(w io.Writer, n models.FaultNotice) {
	fmt.Fprintln(w, "ERROR IN SECURITY GROUP DRIFT GUARD")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Security Group: %s\n", n.ObjectID)
	if n.Region != "" {
		fmt.Fprintf(w, "Region: %s\n", n.Region)
	}
	fmt.Fprintf(w, "Timestamp: %s\n", formatTime(n.At))
	if n.EventID != "" {
		fmt.Fprintf(w, "Event: %s (%s)\n", orUnknown(n.EventName), n.EventID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Error: %s (%s)\n", n.Code, n.Kind)
	fmt.Fprintf(w, "Details: %s\n", n.Message)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "No rules were changed. Check the function logs for details.")
}

// DriftText returns RenderDriftReport's output as a string.
func DriftText(f *models.DriftFinding) string {
	var b strings.Builder
	RenderDriftReport(&b, f)
	return b.String()
}

// FaultText returns RenderFaultReport's output as a string.
func FaultText(n models.FaultNotice) string {
	var b strings.Builder
	RenderFaultReport(&b, n)
	return b.String()
}

// WriteResultJSON writes an invocation result as indented JSON to w.
func WriteResultJSON(w io.Writer, res models.InvocationResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Unknown"
	}
	return t.UTC().Format(time.RFC3339)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
