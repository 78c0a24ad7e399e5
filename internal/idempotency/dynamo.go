package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
)

// DynamoDB attribute names. expires_at is the table's TTL attribute, so
// DynamoDB deletes retained records on its own.
const (
	attrEventID   = "event_id"
	attrStatus    = "status"
	attrToken     = "token"
	attrClaimedAt = "claimed_at"
	attrLease     = "lease_expires_at"
	attrExpiresAt = "expires_at"
)

// claimCondition admits a write when no record blocks it. Timestamps are
// Unix seconds.
const claimCondition = "attribute_not_exists(#id) OR #exp <= :now OR (#st = :inprogress AND #lease <= :now)"

// DynamoStore keeps records in a DynamoDB table keyed by event_id (string).
type DynamoStore struct {
	client common.DynamoDBClient
	table  string
}

// NewDynamoStore returns a store over table.
func NewDynamoStore(client common.DynamoDBClient, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Claim(ctx context.Context, rec Record, now time.Time) (bool, *Record, error) {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                itemFromRecord(rec),
		ConditionExpression: aws.String(claimCondition),
		ExpressionAttributeNames: map[string]string{
			"#id":    attrEventID,
			"#exp":   attrExpiresAt,
			"#st":    attrStatus,
			"#lease": attrLease,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now":        unixAttr(now),
			":inprogress": &ddbtypes.AttributeValueMemberS{Value: string(StatusInProgress)},
		},
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return true, nil, nil
	}

	var ccf *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return false, nil, nil
		}
		existing, derr := recordFromItem(ccf.Item)
		if derr != nil {
			return false, nil, derr
		}
		return false, existing, nil
	}
	return false, nil, fmt.Errorf("dynamodb put %s: %w", rec.EventID, err)
}

func (s *DynamoStore) Complete(ctx context.Context, eventID, token string, expiresAt time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyFor(eventID),
		UpdateExpression:    aws.String("SET #st = :processed, #exp = :exp"),
		ConditionExpression: aws.String("#tok = :token"),
		ExpressionAttributeNames: map[string]string{
			"#st":  attrStatus,
			"#exp": attrExpiresAt,
			"#tok": attrToken,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":processed": &ddbtypes.AttributeValueMemberS{Value: string(StatusProcessed)},
			":exp":       unixAttr(expiresAt),
			":token":     &ddbtypes.AttributeValueMemberS{Value: token},
		},
	})
	var ccf *ddbtypes.ConditionalCheckFailedException
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ccf):
		return ErrLeaseLost
	default:
		return fmt.Errorf("dynamodb update %s: %w", eventID, err)
	}
}

func (s *DynamoStore) Release(ctx context.Context, eventID, token string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyFor(eventID),
		ConditionExpression:       aws.String("#tok = :token"),
		ExpressionAttributeNames:  map[string]string{"#tok": attrToken},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":token": &ddbtypes.AttributeValueMemberS{Value: token}},
	})
	var ccf *ddbtypes.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		return fmt.Errorf("dynamodb delete %s: %w", eventID, err)
	}
	return nil
}

// Get reads the record with a strongly consistent GetItem.
func (s *DynamoStore) Get(ctx context.Context, eventID string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyFor(eventID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", eventID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return recordFromItem(out.Item)
}

// Ping checks the table exists and is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return fmt.Errorf("describe table %s: %w", s.table, err)
	}
	if out.Table != nil && out.Table.TableStatus != ddbtypes.TableStatusActive {
		return fmt.Errorf("table %s is %s", s.table, out.Table.TableStatus)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Attribute mapping
// ---------------------------------------------------------------------------

func keyFor(eventID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{attrEventID: &ddbtypes.AttributeValueMemberS{Value: eventID}}
}

func unixAttr(t time.Time) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func itemFromRecord(r Record) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		attrEventID:   &ddbtypes.AttributeValueMemberS{Value: r.EventID},
		attrStatus:    &ddbtypes.AttributeValueMemberS{Value: string(r.Status)},
		attrToken:     &ddbtypes.AttributeValueMemberS{Value: r.Token},
		attrClaimedAt: unixAttr(r.ClaimedAt),
		attrLease:     unixAttr(r.LeaseExpiresAt),
		attrExpiresAt: unixAttr(r.ExpiresAt),
	}
}

func recordFromItem(item map[string]ddbtypes.AttributeValue) (*Record, error) {
	r := &Record{}
	var err error
	if r.EventID, err = stringAttr(item, attrEventID); err != nil {
		return nil, err
	}
	status, err := stringAttr(item, attrStatus)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if r.Token, err = stringAttr(item, attrToken); err != nil {
		return nil, err
	}
	if r.ClaimedAt, err = timeAttr(item, attrClaimedAt); err != nil {
		return nil, err
	}
	if r.LeaseExpiresAt, err = timeAttr(item, attrLease); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = timeAttr(item, attrExpiresAt); err != nil {
		return nil, err
	}
	return r, nil
}

func stringAttr(item map[string]ddbtypes.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %s: not a string", name)
	}
	return v.Value, nil
}

func timeAttr(item map[string]ddbtypes.AttributeValue, name string) (time.Time, error) {
	v, ok := item[name].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return time.Time{}, fmt.Errorf("attribute %s: not a number", name)
	}
	sec, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("attribute %s: %w", name, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}
