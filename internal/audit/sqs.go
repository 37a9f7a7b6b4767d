package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	SQS      SQSAPI
	QueueURL string
}

func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"action": {DataType: aws.String("String"), StringValue: aws.String(ev.Action)},
		},
	}
	// FIFO ordering per campaign; the event id dedups resubmits
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = aws.String(ev.TenantID + ":" + ev.CampaignID)
		in.MessageDeduplicationId = aws.String(ev.ID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}
