package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/pedidos-cloud/order-service/internal/domain"
)

type OrderRepository struct {
	client    *dynamodb.Client
	tableName string
	indexName string
}

func NewOrderRepository(client *dynamodb.Client, tableName string) *OrderRepository {
	return &OrderRepository{
		client:    client,
		tableName: tableName,
		indexName: "GSI1",
	}
}

type orderRecord struct {
	PK              string            `dynamodbav:"PK"`
	SK              string            `dynamodbav:"SK"`
	GSI1PK          string            `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK          string            `dynamodbav:"GSI1SK,omitempty"`
	OrderID         string            `dynamodbav:"order_id"`
	Customer        string            `dynamodbav:"customer"`
	Document        string            `dynamodbav:"document"`
	Date            string            `dynamodbav:"date"`
	Items           map[string]int    `dynamodbav:"items"`
	Prices          map[string]string `dynamodbav:"prices"`
	Total           string            `dynamodbav:"total"`
	Status          string            `dynamodbav:"status"`
	ClientRequestID string            `dynamodbav:"client_request_id,omitempty"`
	LastEventHash   string            `dynamodbav:"last_event_hash,omitempty"`
	CreatedAt       time.Time         `dynamodbav:"created_at"`
	UpdatedAt       time.Time         `dynamodbav:"updated_at"`
}

func orderPK(orderID string) string { return fmt.Sprintf("ORDER#%s", orderID) }

func toOrderRecord(o *domain.Order) orderRecord {
	prices := make(map[string]string, len(o.Prices))
	for name, p := range o.Prices {
		prices[name] = p.String()
	}
	rec := orderRecord{
		PK:              orderPK(o.OrderID),
		SK:              "METADATA",
		OrderID:         o.OrderID,
		Customer:        o.Customer,
		Document:        o.Document,
		Date:            o.Date,
		Items:           o.Items,
		Prices:          prices,
		Total:           o.Total.String(),
		Status:          string(o.Status),
		ClientRequestID: o.ClientRequestID,
		LastEventHash:   o.LastEventHash,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.ClientRequestID != "" {
		rec.GSI1PK = fmt.Sprintf("REQ#%s", o.ClientRequestID)
		rec.GSI1SK = orderPK(o.OrderID)
	}
	return rec
}

func (rec orderRecord) toDomain() (*domain.Order, error) {
	prices := make(map[string]decimal.Decimal, len(rec.Prices))
	for name, p := range rec.Prices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("parse price for %s: %w", name, err)
		}
		prices[name] = d
	}
	total, err := decimal.NewFromString(rec.Total)
	if err != nil {
		return nil, fmt.Errorf("parse order total: %w", err)
	}
	return &domain.Order{
		OrderID:         rec.OrderID,
		Customer:        rec.Customer,
		Document:        rec.Document,
		Date:            rec.Date,
		Items:           rec.Items,
		Prices:          prices,
		Total:           total,
		Status:          domain.OrderStatus(rec.Status),
		ClientRequestID: rec.ClientRequestID,
		LastEventHash:   rec.LastEventHash,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

func requestMarkerPK(clientRequestID string) string {
	return fmt.Sprintf("REQ#%s", clientRequestID)
}

// Put persists a new order. When the order carries a client request id, a
// marker item is written in the same transaction with its own existence
// condition, so two racing submissions with the same request id cannot both
// commit; the GSI alone would not enforce that.
func (r *OrderRepository) Put(ctx context.Context, order *domain.Order) error {
	av, err := attributevalue.MarshalMap(toOrderRecord(order))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	if order.ClientRequestID == "" {
		_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(r.tableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				return domain.ErrOrderAlreadyExists
			}
			return fmt.Errorf("put order: %w", err)
		}
		return nil
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					Item:                av,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(r.tableName),
					Item: map[string]types.AttributeValue{
						"PK":       &types.AttributeValueMemberS{Value: requestMarkerPK(order.ClientRequestID)},
						"SK":       &types.AttributeValueMemberS{Value: "MARKER"},
						"order_id": &types.AttributeValueMemberS{Value: order.OrderID},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return domain.ErrOrderAlreadyExists
				}
			}
		}
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(orderID)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrOrderNotFound
	}

	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return rec.toDomain()
}

func (r *OrderRepository) Update(ctx context.Context, order *domain.Order) error {
	av, err := attributevalue.MarshalMap(toOrderRecord(order))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.ErrOrderNotFound
		}
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	order, err := r.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil
		}
		return err
	}

	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(orderID)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	if order.ClientRequestID != "" {
		_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: requestMarkerPK(order.ClientRequestID)},
				"SK": &types.AttributeValueMemberS{Value: "MARKER"},
			},
		})
		if err != nil {
			return fmt.Errorf("delete request marker: %w", err)
		}
	}
	return nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(orderID)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConditionExpression: aws.String("#st = :from"),
		UpdateExpression:    aws.String("SET #st = :to, updated_at = :now"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from": &types.AttributeValueMemberS{Value: string(from)},
			":to":   &types.AttributeValueMemberS{Value: string(to)},
			":now":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("update order status: %w", err)
	}
	return true, nil
}

func (r *OrderRepository) SetLastEventHash(ctx context.Context, orderID, hash string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(orderID)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("SET last_event_hash = :h"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: hash},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.ErrOrderNotFound
		}
		return fmt.Errorf("set last event hash: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByClientRequestID(ctx context.Context, clientRequestID string) (*domain.Order, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(r.indexName),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("REQ#%s", clientRequestID)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query by client request id: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, domain.ErrOrderNotFound
	}

	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return rec.toDomain()
}
