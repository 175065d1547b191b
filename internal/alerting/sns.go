package alerting

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog"
)

// SNSPublisher is the part of the SNS client the notifier uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes alerts to an SNS topic.
type SNSNotifier struct {
	client   SNSPublisher
	topicARN string
	logger   zerolog.Logger
}

// NewSNSNotifier loads the default AWS credential chain for region.
func NewSNSNotifier(ctx context.Context, region, topicARN string, logger zerolog.Logger) (*SNSNotifier, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewSNSNotifierWithClient wires an existing client.
func NewSNSNotifierWithClient(client SNSPublisher, topicARN string, logger zerolog.Logger) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
		logger:   logger.With().Str("component", "alert_sns").Logger(),
	}
}

func (n *SNSNotifier) Name() string { return "sns" }

// Notify publishes the alert with location and metric message attributes.
func (n *SNSNotifier) Notify(ctx context.Context, note Notification) error {
	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(truncate(subject(note), 100)),
		Message:  aws.String(renderMessage(note)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"location": {DataType: aws.String("String"), StringValue: aws.String(note.LocationID)},
			"metric":   {DataType: aws.String("String"), StringValue: aws.String(note.Metric)},
		},
	}

	out, err := n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish to sns: %w", err)
	}

	n.logger.Info().Str("alert_id", note.AlertID).
		Str("message_id", aws.ToString(out.MessageId)).
		Msg("alert sent (sns)")
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var _ Notifier = (*SNSNotifier)(nil)
