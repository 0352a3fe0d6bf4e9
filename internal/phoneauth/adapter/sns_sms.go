package adapter

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
)

// snsPublisher is a narrow, consumer-defined interface for the subset
// of SNS operations the provider needs. The real *sns.Client satisfies
// it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Compile-time check: SNSSMSProvider satisfies auth.SMSProvider.
var _ auth.SMSProvider = (*SNSSMSProvider)(nil)

// SNSSMSProvider delivers codes via Amazon SNS SMS. Transport retries
// stay inside the SDK's own retryer; this layer only shapes the
// message (ADR-005 §2).
type SNSSMSProvider struct {
	client   snsPublisher
	senderID string
	smsType  string
}

// NewSNSSMSProvider creates a provider on the given SNS client. An
// empty smsType defaults to Transactional, which SNS delivers ahead of
// promotional traffic.
func NewSNSSMSProvider(client snsPublisher, senderID, smsType string) *SNSSMSProvider {
	if smsType == "" {
		smsType = "Transactional"
	}
	return &SNSSMSProvider{client: client, senderID: senderID, smsType: smsType}
}

// SendCode publishes the code to the given number and returns the SNS
// message id.
func (p *SNSSMSProvider) SendCode(ctx context.Context, phone string, code string) (string, error) {
	attrs := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(p.smsType),
		},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.senderID),
		}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(smsBody(code)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", fmt.Errorf("sns publish to %s: %w", domain.MaskPhone(phone), err)
	}
	return aws.ToString(out.MessageId), nil
}

// IsValidPhoneNumber reports whether SNS would accept the number.
func (p *SNSSMSProvider) IsValidPhoneNumber(phone string) bool {
	return validE164(phone)
}
