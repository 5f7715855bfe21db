package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pedidos-cloud/order-service/internal/audit"
)

type AuditRepository struct {
	client    *dynamodb.Client
	tableName string
}

func NewAuditRepository(client *dynamodb.Client, tableName string) *AuditRepository {
	return &AuditRepository{
		client:    client,
		tableName: tableName,
	}
}

type auditRecord struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	audit.Event
}

func auditPK(orderID string) string { return fmt.Sprintf("ORDER#%s", orderID) }

// The sort key is timestamp-first so a Query replays the chain in append
// order; the hash suffix keeps keys unique.
func auditSK(ev audit.Event) string {
	return fmt.Sprintf("EV#%020d#%s", ev.TS, ev.EventHash)
}

func (r *AuditRepository) AppendEvent(ctx context.Context, ev audit.Event) error {
	av, err := attributevalue.MarshalMap(auditRecord{
		PK:    auditPK(ev.OrderID),
		SK:    auditSK(ev),
		Event: ev,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Same event hash appended twice; the log is append-only and the
			// duplicate carries no new information.
			return nil
		}
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *AuditRepository) EventsByOrder(ctx context.Context, orderID string) ([]audit.Event, error) {
	var events []audit.Event

	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :ev)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: auditPK(orderID)},
			":ev": &types.AttributeValueMemberS{Value: "EV#"},
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query audit events: %w", err)
		}
		for _, raw := range page.Items {
			var rec auditRecord
			if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal audit event: %w", err)
			}
			events = append(events, rec.Event)
		}
	}
	return events, nil
}
