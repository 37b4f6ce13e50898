package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps sealed client keys in a DynamoDB table keyed by the
// string attribute client_id.
type DynamoStore struct {
	client DynamoAPI
	table  string
	sealer *sealer
}

// NewDynamoStore creates a store over table. Keys are sealed with dek
// before they leave the process.
func NewDynamoStore(client DynamoAPI, table string, dek []byte) (*DynamoStore, error) {
	if table == "" {
		return nil, fmt.Errorf("DynamoDB table is required")
	}
	sl, err := newSealer(dek)
	if err != nil {
		return nil, err
	}
	return &DynamoStore{client: client, table: table, sealer: sl}, nil
}

// Lookup returns the key stored for id.
func (d *DynamoStore) Lookup(ctx context.Context, id string) ([]byte, bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &d.table,
		Key: map[string]types.AttributeValue{
			"client_id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("DynamoDB GetItem failed: %w", err)
	}
	if result.Item == nil {
		return nil, false, nil
	}

	attr, ok := result.Item["sealed_key"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, fmt.Errorf("credential %q has no sealed_key attribute", id)
	}
	key, err := d.sealer.open(attr.Value, credentialAAD(id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to open credential for %q: %w", id, err)
	}
	return key, true, nil
}

// Store registers or replaces the key for id.
func (d *DynamoStore) Store(ctx context.Context, id string, key []byte) error {
	sealed, err := d.sealer.seal(key, credentialAAD(id))
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &d.table,
		Item: map[string]types.AttributeValue{
			"client_id":  &types.AttributeValueMemberS{Value: id},
			"sealed_key": &types.AttributeValueMemberB{Value: sealed},
			"updated_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("DynamoDB PutItem failed: %w", err)
	}

	log.Debug().Str("table", d.table).Str("client_id", id).Msg("Stored credential in DynamoDB")
	return nil
}

// Delete removes the key for id.
func (d *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &d.table,
		Key: map[string]types.AttributeValue{
			"client_id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return fmt.Errorf("DynamoDB DeleteItem failed: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
