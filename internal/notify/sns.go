package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
)

// SNSChannel publishes the plain-text report to a topic, which typically
// fans out to email subscribers.
type SNSChannel struct {
	client   common.SNSClient
	topicARN string
}

// NewSNSChannel returns a channel publishing to topicARN.
func NewSNSChannel(client common.SNSClient, topicARN string) *SNSChannel {
	return &SNSChannel{client: client, topicARN: topicARN}
}

func (c *SNSChannel) Name() string { return "sns" }

func (c *SNSChannel) Send(ctx context.Context, msg Message) error {
	attrs := map[string]snstypes.MessageAttributeValue{
		"kind": {DataType: aws.String("String"), StringValue: aws.String(string(msg.Kind))},
	}
	if msg.Finding != nil {
		if sev := msg.Finding.HighestSeverity(); sev != "" {
			attrs["severity"] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(string(sev))}
		}
	}

	_, err := c.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(c.topicARN),
		Subject:           aws.String(msg.Subject),
		Message:           aws.String(msg.Text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", c.topicARN, err)
	}
	return nil
}
