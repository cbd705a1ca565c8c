// Package dynamo implements store.Store on a single DynamoDB table keyed by
// pk/sk with one global secondary index (gsi1pk/gsi1sk).
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/jun/polygraf/internal/store"
)

const (
	// MaxBatchSize is the TransactWriteItems item limit.
	MaxBatchSize = 100
	// MaxBatchBytes is the TransactWriteItems limit on the aggregate size
	// of the items in one request.
	MaxBatchBytes = 4 << 20
)

// API is the subset of *dynamodb.Client methods used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements store.Store on DynamoDB.
type Store struct {
	client   API
	table    string
	attempts int
}

// New creates a Store on table. attempts bounds transaction retries; values
// below one fall back to store.DefaultTxAttempts.
func New(client API, table string, attempts int) *Store {
	if attempts < 1 {
		attempts = store.DefaultTxAttempts
	}
	return &Store{client: client, table: table, attempts: attempts}
}

func (s *Store) MaxBatchSize() int {
	return MaxBatchSize
}

func (s *Store) MaxBatchBytes() int {
	return MaxBatchBytes
}

func (s *Store) Get(ctx context.Context, key store.Key, out any) error {
	item, err := s.getItem(ctx, key)
	if err != nil {
		return err
	}
	if item == nil {
		return store.ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(item, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

func (s *Store) getItem(ctx context.Context, key store.Key) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            store.KeyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s from DynamoDB: %w", key.PK, key.SK, err)
	}
	return out.Item, nil
}

func (s *Store) Query(ctx context.Context, q store.Query, out any) (string, error) {
	pkName, skName := store.AttrPK, store.AttrSK
	if q.Index != "" {
		pkName, skName = store.AttrIndexPK, store.AttrIndexSK
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": pkName,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: q.Partition},
		},
		ScanIndexForward: aws.Bool(!q.Desc),
	}
	if q.Prefix != "" {
		input.KeyConditionExpression = aws.String("#pk = :pk AND begins_with(#sk, :prefix)")
		input.ExpressionAttributeNames["#sk"] = skName
		input.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: q.Prefix}
	}
	if q.Index != "" {
		// Global secondary indexes only offer eventually consistent reads.
		input.IndexName = aws.String(q.Index)
	} else {
		input.ConsistentRead = aws.Bool(true)
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(int32(q.Limit))
	}

	last, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return "", err
	}
	if last != nil {
		input.ExclusiveStartKey = make(map[string]types.AttributeValue, len(last)+1)
		for k, v := range last {
			input.ExclusiveStartKey[k] = &types.AttributeValueMemberS{Value: v}
		}
		if q.Index != "" {
			input.ExclusiveStartKey[store.AttrIndexPK] = &types.AttributeValueMemberS{Value: q.Partition}
		}
	}

	var items []map[string]types.AttributeValue
	next := ""
	for {
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return "", fmt.Errorf("failed to query %s: %w", q.Partition, err)
		}
		items = append(items, page.Items...)

		if q.Limit > 0 {
			next = encodeLastKey(page.LastEvaluatedKey)
			break
		}
		// Unlimited reads must drain every page: a page stops at 1 MB, which
		// is only a couple of chunk documents.
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}

	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return "", fmt.Errorf("failed to unmarshal %s: %w", q.Partition, err)
	}
	return next, nil
}

// encodeLastKey drops the index partition from a LastEvaluatedKey; Query
// restores it from the query.
func encodeLastKey(key map[string]types.AttributeValue) string {
	if len(key) == 0 {
		return ""
	}
	last := make(map[string]string, len(key))
	for k := range key {
		if k == store.AttrIndexPK {
			continue
		}
		last[k] = store.StringAttr(key, k)
	}
	return store.EncodeCursor(last)
}

func (s *Store) Write(ctx context.Context, ops ...store.Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchSize {
		return fmt.Errorf("%w: %d documents, limit %d", store.ErrBatchTooLarge, len(ops), MaxBatchSize)
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		switch {
		case op.Put != nil:
			item, err := store.MarshalItem(*op.Put)
			if err != nil {
				return err
			}
			item[store.AttrVersion] = versionAttr(1)
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:                aws.String(s.table),
				Item:                     item,
				ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
				ExpressionAttributeNames: map[string]string{"#pk": store.AttrPK},
			}})
		case op.Delete != nil:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(s.table),
				Key:       store.KeyAttrs(*op.Delete),
			}})
		}
	}
	return s.transact(ctx, items)
}

func (s *Store) transact(ctx context.Context, items []types.TransactWriteItem) error {
	if size := transactSize(items); size > MaxBatchBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", store.ErrBatchTooLarge, size, MaxBatchBytes)
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
		// Makes the SDK's own retries of this request idempotent.
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// transactSize is the aggregate item size DynamoDB checks a request against.
func transactSize(items []types.TransactWriteItem) int {
	size := 0
	for _, it := range items {
		switch {
		case it.Put != nil:
			size += store.ItemSize(it.Put.Item)
		case it.Update != nil:
			size += store.ItemSize(it.Update.Key) + store.ItemSize(it.Update.ExpressionAttributeValues)
		case it.Delete != nil:
			size += store.ItemSize(it.Delete.Key)
		case it.ConditionCheck != nil:
			size += store.ItemSize(it.ConditionCheck.Key)
		}
	}
	return size
}

// mapError turns cancellation caused by a failed condition or a competing
// transaction into store.ErrConflict, and size rejections into
// store.ErrBatchTooLarge.
func mapError(err error) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			switch code := aws.ToString(reason.Code); code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return fmt.Errorf("%w: %s", store.ErrConflict, code)
			}
		}
		return fmt.Errorf("transaction canceled: %w", err)
	}
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" && isSizeRejection(apiErr.ErrorMessage()) {
		return fmt.Errorf("%w: %v", store.ErrBatchTooLarge, err)
	}
	return fmt.Errorf("failed to write to DynamoDB: %w", err)
}

func isSizeRejection(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "size has exceeded") ||
		strings.Contains(msg, "length less than or equal to")
}

func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) error {
	return store.Retry(ctx, s.attempts, func(ctx context.Context) error {
		tx := &txn{s: s, reads: make(map[store.Key]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(ctx, tx)
	})
}

func (s *Store) commit(ctx context.Context, tx *txn) error {
	var items []types.TransactWriteItem

	for _, w := range tx.writes.Writes() {
		ver, read := tx.reads[w.Key]
		cond := condition{}
		if read {
			cond = versionCondition(ver)
		}

		switch w.Kind {
		case store.WriteDelete:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(s.table),
				Key:                       store.KeyAttrs(w.Key),
				ConditionExpression:       cond.expr,
				ExpressionAttributeNames:  cond.names,
				ExpressionAttributeValues: cond.values,
			}})
		case store.WritePut:
			item, err := store.MarshalItem(w.Item)
			if err != nil {
				return err
			}
			if len(w.Fields) > 0 {
				fields, err := store.MarshalFields(w.Fields)
				if err != nil {
					return err
				}
				for k, v := range fields {
					item[k] = v
				}
			}
			item[store.AttrVersion] = versionAttr(ver + 1)
			if !read {
				// A blind put may only create; replacing requires a prior read.
				cond = versionCondition(0)
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:                 aws.String(s.table),
				Item:                      item,
				ConditionExpression:       cond.expr,
				ExpressionAttributeNames:  cond.names,
				ExpressionAttributeValues: cond.values,
			}})
		case store.WriteMerge:
			fields, err := store.MarshalFields(w.Fields)
			if err != nil {
				return err
			}
			items = append(items, types.TransactWriteItem{Update: s.updateFrom(w.Key, fields, cond)})
		}
	}

	written := make(map[store.Key]bool, tx.writes.Len())
	for _, w := range tx.writes.Writes() {
		written[w.Key] = true
	}
	readOnly := make([]store.Key, 0, len(tx.reads))
	for key := range tx.reads {
		if !written[key] {
			readOnly = append(readOnly, key)
		}
	}
	sort.Slice(readOnly, func(i, j int) bool {
		if readOnly[i].PK != readOnly[j].PK {
			return readOnly[i].PK < readOnly[j].PK
		}
		return readOnly[i].SK < readOnly[j].SK
	})
	for _, key := range readOnly {
		cond := versionCondition(tx.reads[key])
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(s.table),
			Key:                       store.KeyAttrs(key),
			ConditionExpression:       cond.expr,
			ExpressionAttributeNames:  cond.names,
			ExpressionAttributeValues: cond.values,
		}})
	}

	if tx.writes.Len() == 0 {
		// Read-only transactions have nothing to make atomic.
		return nil
	}
	if len(items) > MaxBatchSize {
		return fmt.Errorf("%w: %d documents, limit %d", store.ErrBatchTooLarge, len(items), MaxBatchSize)
	}
	return s.transact(ctx, items)
}

// updateFrom builds an update that sets every non-key attribute and bumps
// the version, guarded by cond.
func (s *Store) updateFrom(key store.Key, attrs map[string]types.AttributeValue, cond condition) *types.Update {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		switch name {
		case store.AttrPK, store.AttrSK, store.AttrVersion:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	exprNames := map[string]string{"#ver": store.AttrVersion}
	exprValues := map[string]types.AttributeValue{":one": versionAttr(1)}
	expr := ""
	for i, name := range names {
		n, v := "#f"+strconv.Itoa(i), ":f"+strconv.Itoa(i)
		exprNames[n] = name
		exprValues[v] = attrs[name]
		if i == 0 {
			expr = "SET "
		} else {
			expr += ", "
		}
		expr += n + " = " + v
	}
	if expr != "" {
		expr += " "
	}
	expr += "ADD #ver :one"

	for k, v := range cond.names {
		exprNames[k] = v
	}
	for k, v := range cond.values {
		exprValues[k] = v
	}

	return &types.Update{
		TableName:                 aws.String(s.table),
		Key:                       store.KeyAttrs(key),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       cond.expr,
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	}
}

type condition struct {
	expr   *string
	names  map[string]string
	values map[string]types.AttributeValue
}

// versionCondition asserts the document still has the version observed by
// a read; version 0 means it was absent.
func versionCondition(ver int64) condition {
	if ver == 0 {
		return condition{
			expr:  aws.String("attribute_not_exists(#pk)"),
			names: map[string]string{"#pk": store.AttrPK},
		}
	}
	return condition{
		expr:   aws.String("#ver = :ver"),
		names:  map[string]string{"#ver": store.AttrVersion},
		values: map[string]types.AttributeValue{":ver": versionAttr(ver)},
	}
}

func versionAttr(ver int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(ver, 10)}
}

func versionOf(item map[string]types.AttributeValue) int64 {
	n, ok := item[store.AttrVersion].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	ver, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return ver
}

type txn struct {
	s      *Store
	reads  map[store.Key]int64
	writes store.WriteSet
}

func (t *txn) Get(ctx context.Context, key store.Key, out any) error {
	item, err := t.s.getItem(ctx, key)
	if err != nil {
		return err
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = versionOf(item)
	}
	if item == nil {
		return store.ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(item, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

func (t *txn) Put(item store.Item) {
	t.writes.Put(item)
}

func (t *txn) Merge(key store.Key, fields map[string]any) {
	t.writes.Merge(key, fields)
}

func (t *txn) Delete(key store.Key) {
	t.writes.Delete(key)
}
