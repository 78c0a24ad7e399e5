package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/render"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/version"
)

// PlaceholderWebhook marks a webhook parameter that was provisioned but
// never filled in.
const PlaceholderWebhook = "REPLACE_WITH_YOUR_WEBHOOK_URL"

// WebhookSource resolves the chat webhook URL.
type WebhookSource interface {
	WebhookURL(ctx context.Context) (string, error)
}

// StaticWebhook is a URL taken straight from configuration.
type StaticWebhook string

func (s StaticWebhook) WebhookURL(context.Context) (string, error) { return string(s), nil }

// SSMWebhook reads the URL from a SecureString parameter and keeps it in
// memory for a while so warm invocations skip the lookup.
type SSMWebhook struct {
	client common.SSMClient
	name   string
	cache  *cache.Cache
}

// NewSSMWebhook returns a source reading parameter name, cached for ttl.
func NewSSMWebhook(client common.SSMClient, name string, ttl time.Duration) *SSMWebhook {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SSMWebhook{client: client, name: name, cache: cache.New(ttl, 2*ttl)}
}

func (s *SSMWebhook) WebhookURL(ctx context.Context) (string, error) {
	if v, ok := s.cache.Get(s.name); ok {
		return v.(string), nil
	}
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", s.name, err)
	}
	if out.Parameter == nil {
		return "", fmt.Errorf("get parameter %s: empty response", s.name)
	}
	url := strings.TrimSpace(aws.ToString(out.Parameter.Value))
	s.cache.SetDefault(s.name, url)
	return url, nil
}

// SlackChannel posts a Block Kit message to an incoming webhook.
type SlackChannel struct {
	source WebhookSource
	client *retryablehttp.Client
}

// NewSlackChannel returns a channel posting through an HTTP client that
// retries connection errors and 5xx responses a few times.
func NewSlackChannel(source WebhookSource, timeout time.Duration) *SlackChannel {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	return &SlackChannel{source: source, client: client}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, msg Message) error {
	url, err := c.source.WebhookURL(ctx)
	if err != nil {
		return err
	}
	if url == "" || strings.Contains(url, PlaceholderWebhook) {
		return fmt.Errorf("%w: webhook URL is not configured", ErrSkipped)
	}

	body, err := json.Marshal(slackPayload(msg))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Block Kit payload
// ---------------------------------------------------------------------------

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

func slackPayload(msg Message) slackMessage {
	if msg.Kind == KindFault && msg.Fault != nil {
		return faultPayload(*msg.Fault)
	}
	return driftPayload(msg.Finding)
}

func driftPayload(f *models.DriftFinding) slackMessage {
	removed, failed := f.Counts()
	title := "Security Group Drift Detected & Remediated"
	if failed > 0 {
		title = "Security Group Drift Detected - Remediation Incomplete"
	}

	lines := make([]string, 0, len(f.Results))
	for _, r := range f.Results {
		lines = append(lines, "• "+render.RuleLine(r))
	}

	return slackMessage{
		Text: "Security Group Drift Detected: " + f.ObjectID,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
			{Type: "section", Fields: []slackText{
				mrkdwn("*Security Group:*\n" + f.ObjectID),
				mrkdwn("*Region:*\n" + f.Region),
				mrkdwn("*Changed By:*\n" + f.Actor.Name),
				mrkdwn("*Timestamp:*\n" + f.EventTime.UTC().Format(time.RFC3339)),
			}},
			{Type: "section", Fields: []slackText{
				mrkdwn(fmt.Sprintf("*Unauthorized Rules:*\n%d", len(f.Results))),
				mrkdwn(fmt.Sprintf("*Rules Removed:*\n%d", removed)),
				mrkdwn(fmt.Sprintf("*Failed:*\n%d", failed)),
				mrkdwn("*Highest Severity:*\n" + string(f.HighestSeverity())),
			}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*Rules:*\n" + strings.Join(lines, "\n")}},
		},
	}
}

func faultPayload(n models.FaultNotice) slackMessage {
	return slackMessage{
		Text: "Drift guard error: " + n.ObjectID,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: "Drift Guard Error"}},
			{Type: "section", Fields: []slackText{
				mrkdwn("*Security Group:*\n" + n.ObjectID),
				mrkdwn("*Error:*\n" + n.Code),
			}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: n.Message}},
		},
	}
}
