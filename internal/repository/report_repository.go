package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pedidos-cloud/order-service/internal/domain"
)

type ReportRepository struct {
	client    *dynamodb.Client
	tableName string
}

func NewReportRepository(client *dynamodb.Client, tableName string) *ReportRepository {
	return &ReportRepository{
		client:    client,
		tableName: tableName,
	}
}

type reportRecord struct {
	PK string `dynamodbav:"PK"`
	domain.InconsistencyReport
}

func reportPK(orderID string) string { return fmt.Sprintf("REPORT#%s", orderID) }

// PutReport keys reports by order id, so the conditional put doubles as the
// uniqueness constraint: at most one inconsistency report per order, and a
// redelivered verdict collapses into (false, nil).
func (r *ReportRepository) PutReport(ctx context.Context, report *domain.InconsistencyReport) (bool, error) {
	av, err := attributevalue.MarshalMap(reportRecord{
		PK:                  reportPK(report.OrderID),
		InconsistencyReport: *report,
	})
	if err != nil {
		return false, fmt.Errorf("marshal report: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("put report: %w", err)
	}
	return true, nil
}

func (r *ReportRepository) GetReport(ctx context.Context, orderID string) (*domain.InconsistencyReport, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: reportPK(orderID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var rec reportRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &rec.InconsistencyReport, nil
}
