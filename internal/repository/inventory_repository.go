package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/pedidos-cloud/order-service/internal/domain"
)

type InventoryRepository struct {
	client    *dynamodb.Client
	tableName string
}

func NewInventoryRepository(client *dynamodb.Client, tableName string) *InventoryRepository {
	return &InventoryRepository{
		client:    client,
		tableName: tableName,
	}
}

type inventoryRecord struct {
	PK        string `dynamodbav:"PK"`
	Name      string `dynamodbav:"item"`
	Available int    `dynamodbav:"available_qty"`
	Reserved  int    `dynamodbav:"reserved_qty"`
	UnitPrice string `dynamodbav:"unit_price"`
}

func itemPK(name string) string { return fmt.Sprintf("ITEM#%s", name) }

func (rec inventoryRecord) toDomain() (*domain.InventoryItem, error) {
	price, err := decimal.NewFromString(rec.UnitPrice)
	if err != nil {
		return nil, fmt.Errorf("parse unit price for %s: %w", rec.Name, err)
	}
	return &domain.InventoryItem{
		Name:      rec.Name,
		Available: rec.Available,
		Reserved:  rec.Reserved,
		UnitPrice: price,
	}, nil
}

func (r *InventoryRepository) Get(ctx context.Context, name string) (*domain.InventoryItem, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: itemPK(name)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get inventory item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, &domain.ItemNotFoundError{Item: name}
	}

	var rec inventoryRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal inventory item: %w", err)
	}
	return rec.toDomain()
}

func (r *InventoryRepository) Snapshot(ctx context.Context) (map[string]domain.InventoryItem, error) {
	snapshot := make(map[string]domain.InventoryItem)

	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:      aws.String(r.tableName),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		for _, raw := range page.Items {
			var rec inventoryRecord
			if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal inventory item: %w", err)
			}
			item, err := rec.toDomain()
			if err != nil {
				return nil, err
			}
			snapshot[item.Name] = *item
		}
	}
	return snapshot, nil
}

// DecrementIfAvailable is the per-item atomic primitive: a conditioned
// UpdateItem that only succeeds when available_qty covers the request. The
// returned item carries the unit price observed at the decrement.
func (r *InventoryRepository) DecrementIfAvailable(ctx context.Context, name string, qty int) (*domain.InventoryItem, error) {
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: itemPK(name)},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND available_qty - reserved_qty >= :q"),
		UpdateExpression:    aws.String("SET available_qty = available_qty - :q"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":q": &types.AttributeValueMemberN{Value: strconv.Itoa(qty)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, fmt.Errorf("decrement %s: %w", name, err)
		}
		// Distinguish a missing item from insufficient stock.
		current, getErr := r.Get(ctx, name)
		if getErr != nil {
			var nf *domain.ItemNotFoundError
			if errors.As(getErr, &nf) {
				return nil, nf
			}
			return nil, getErr
		}
		return nil, &domain.OutOfStockError{Item: name, Requested: qty, Available: current.Sellable()}
	}

	var rec inventoryRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal inventory item: %w", err)
	}
	return rec.toDomain()
}

func (r *InventoryRepository) Increment(ctx context.Context, name string, qty int) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: itemPK(name)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("SET available_qty = available_qty + :q"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":q": &types.AttributeValueMemberN{Value: strconv.Itoa(qty)},
		},
	})
	if err != nil {
		return fmt.Errorf("increment %s: %w", name, err)
	}
	return nil
}

// ReserveAll decrements every line in a single TransactWriteItems call, the
// native multi-document transaction path. All conditions are evaluated
// together, so either every decrement commits or none does.
func (r *InventoryRepository) ReserveAll(ctx context.Context, lines []domain.OrderLine) (map[string]domain.InventoryItem, error) {
	// Pre-read for price snapshots and for naming the failing line when the
	// transaction is cancelled.
	items := make(map[string]domain.InventoryItem, len(lines))
	for _, line := range lines {
		item, err := r.Get(ctx, line.Name)
		if err != nil {
			return nil, err
		}
		items[line.Name] = *item
	}

	writes := make([]types.TransactWriteItem, 0, len(lines))
	for _, line := range lines {
		writes = append(writes, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(r.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: itemPK(line.Name)},
				},
				ConditionExpression: aws.String("attribute_exists(PK) AND available_qty - reserved_qty >= :q"),
				UpdateExpression:    aws.String("SET available_qty = available_qty - :q"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":q": &types.AttributeValueMemberN{Value: strconv.Itoa(line.Quantity)},
				},
			},
		})
	}

	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for i, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					line := lines[i]
					available := 0
					if item, ok := items[line.Name]; ok {
						available = item.Sellable()
					}
					return nil, &domain.OutOfStockError{
						Item:      line.Name,
						Requested: line.Quantity,
						Available: available,
					}
				}
			}
		}
		return nil, fmt.Errorf("reserve lines: %w", err)
	}

	for name, item := range items {
		for _, line := range lines {
			if line.Name == name {
				item.Available -= line.Quantity
			}
		}
		items[name] = item
	}
	return items, nil
}
