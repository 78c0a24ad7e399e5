package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// ANSI color codes for severity output (used when Colored=true).
const (
	ansiReset   = "\033[0m"
	ansiBoldRed = "\033[1;31m"
	ansiRed     = "\033[0;31m"
	ansiYellow  = "\033[0;33m"
	ansiGreen   = "\033[0;32m"
)

// TableOptions controls which columns RenderTable renders and how severity is coloured.
type TableOptions struct {
	// Colored wraps severity labels with ANSI codes. Default false (CI-safe).
	Colored bool

	// IncludeAttempts adds an ATTEMPTS column.
	IncludeAttempts bool

	// DryRun labels the outcome column PLANNED instead of OUTCOME, for
	// rules that were detected but not revoked.
	DryRun bool
}

func severityCode(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return ansiBoldRed
	case models.SeverityHigh:
		return ansiRed
	case models.SeverityMedium:
		return ansiYellow
	default:
		return ""
	}
}

// ColorSeverity wraps a severity string with ANSI codes when colored is true.
// When colored is false the string is returned unchanged (CI-safe default).
func ColorSeverity(sev models.Severity, colored bool) string {
	s := string(sev)
	code := severityCode(sev)
	if !colored || code == "" {
		return s
	}
	return code + s + ansiReset
}

// ShortenMessage truncates msg to at most max runes, appending "..." when truncated.
// max is treated as at least 4 to guarantee space for the ellipsis.
func ShortenMessage(msg string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}

// colorCell pads text to width and, when code is set, wraps only the text so
// trailing padding stays plain and later columns line up.
func colorCell(text, code string, width int) string {
	if code == "" {
		return fmt.Sprintf("%-*s", width, text)
	}
	spaces := width - len(text)
	if spaces < 0 {
		spaces = 0
	}
	return code + text + ansiReset + strings.Repeat(" ", spaces)
}

func severityCell(sev models.Severity, width int, colored bool) string {
	if !colored {
		return colorCell(string(sev), "", width)
	}
	return colorCell(string(sev), severityCode(sev), width)
}

func outcomeCell(o models.RevocationOutcome, width int, colored bool) string {
	if !colored {
		return colorCell(string(o), "", width)
	}
	code := ansiGreen
	if o == models.OutcomeFailed {
		code = ansiRed
	}
	return colorCell(string(o), code, width)
}

// RenderTable writes one row per drifted rule to w.
//
// Column order:
//
//	DIRECTION  SEVERITY  OUTCOME  [ATTEMPTS]  RULE
func RenderTable(w io.Writer, results []models.RuleResult, opts TableOptions) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No drift.")
		return
	}

	const (
		wDirection = 9
		wSeverity  = 10
		wOutcome   = 14
		wAttempts  = 8
		wRule      = 70
	)

	outcomeLabel := "OUTCOME"
	if opts.DryRun {
		outcomeLabel = "PLANNED"
	}

	var hb strings.Builder
	hb.WriteString(fmt.Sprintf("%-*s", wDirection, "DIRECTION"))
	hb.WriteString(fmt.Sprintf("  %-*s", wSeverity, "SEVERITY"))
	hb.WriteString(fmt.Sprintf("  %-*s", wOutcome, outcomeLabel))
	if opts.IncludeAttempts {
		hb.WriteString(fmt.Sprintf("  %-*s", wAttempts, "ATTEMPTS"))
	}
	hb.WriteString(fmt.Sprintf("  %-*s", wRule, "RULE"))
	header := strings.TrimRight(hb.String(), " ")

	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	for _, r := range results {
		var rb strings.Builder
		rb.WriteString(fmt.Sprintf("%-*s", wDirection, strings.ToUpper(string(r.Rule.Direction))))
		rb.WriteString("  " + severityCell(r.Severity, wSeverity, opts.Colored))
		if opts.DryRun {
			rb.WriteString(fmt.Sprintf("  %-*s", wOutcome, "revoke"))
		} else {
			rb.WriteString("  " + outcomeCell(r.Outcome, wOutcome, opts.Colored))
		}
		if opts.IncludeAttempts {
			rb.WriteString(fmt.Sprintf("  %-*d", wAttempts, r.Attempts))
		}
		rb.WriteString("  " + ShortenMessage(r.Description, wRule))
		fmt.Fprintln(w, strings.TrimRight(rb.String(), " "))
	}
}

// RenderSummary writes the invocation outcome followed by the rule table.
func RenderSummary(w io.Writer, res models.InvocationResult, opts TableOptions) {
	fmt.Fprintf(w, "Event:    %s\n", res.EventID)
	fmt.Fprintf(w, "Group:    %s\n", res.ObjectID)
	fmt.Fprintf(w, "Outcome:  %s\n", res.Outcome)
	if res.Error != nil {
		fmt.Fprintf(w, "Error:    %s (%s): %s\n", res.Error.Code, res.Error.Kind, res.Error.Message)
	}
	if res.Finding != nil {
		if sev := res.Finding.HighestSeverity(); sev != "" {
			fmt.Fprintf(w, "Severity: %s\n", ColorSeverity(sev, opts.Colored))
		}
		fmt.Fprintln(w)
		RenderTable(w, res.Finding.Results, opts)
		if n := len(res.Finding.MissingBaselineRules); n > 0 {
			fmt.Fprintf(w, "\n%d baseline rule(s) missing from the group (not restored)\n", n)
		}
	}
	for _, n := range res.Notifications {
		status := "delivered"
		switch {
		case n.Skipped:
			status = "skipped"
		case !n.Delivered:
			status = "failed: " + n.Error
		}
		fmt.Fprintf(w, "Notify %-6s %s\n", n.Channel+":", status)
	}
}
