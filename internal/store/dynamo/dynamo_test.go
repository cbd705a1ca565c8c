package dynamo

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/polygraf/internal/store"
)

type fakeAPI struct {
	items    map[store.Key]map[string]types.AttributeValue
	pages    []*dynamodb.QueryOutput
	queries  []*dynamodb.QueryInput
	txs      []*dynamodb.TransactWriteItemsInput
	txErrors []error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[store.Key]map[string]types.AttributeValue)}
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key := store.Key{PK: store.StringAttr(in.Key, store.AttrPK), SK: store.StringAttr(in.Key, store.AttrSK)}
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if len(f.pages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeAPI) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txs = append(f.txs, in)
	if len(f.txErrors) > 0 {
		err := f.txErrors[0]
		f.txErrors = f.txErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

type doc struct {
	Name string `dynamodbav:"name"`
}

func item(pk, sk, name string, ver int64) map[string]types.AttributeValue {
	av := store.KeyAttrs(store.Key{PK: pk, SK: sk})
	av["name"] = &types.AttributeValueMemberS{Value: name}
	av[store.AttrVersion] = versionAttr(ver)
	return av
}

func canceled(code string) error {
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{{Code: aws.String("None")}, {Code: aws.String(code)}},
	}
}

func TestStore_Get(t *testing.T) {
	api := newFakeAPI()
	api.items[store.Key{PK: "A", SK: "1"}] = item("A", "1", "hello", 3)
	s := New(api, "polygraf", 0)

	var got doc
	require.NoError(t, s.Get(context.Background(), store.Key{PK: "A", SK: "1"}, &got))
	assert.Equal(t, "hello", got.Name)

	err := s.Get(context.Background(), store.Key{PK: "A", SK: "2"}, &got)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Query_DrainsPagesWhenUnlimited(t *testing.T) {
	api := newFakeAPI()
	api.pages = []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{item("O", "CHUNK#00000000", "a", 1)}, LastEvaluatedKey: store.KeyAttrs(store.Key{PK: "O", SK: "CHUNK#00000000"})},
		{Items: []map[string]types.AttributeValue{item("O", "CHUNK#00000001", "b", 1)}},
	}
	s := New(api, "polygraf", 0)

	var got []doc
	next, err := s.Query(context.Background(), store.Query{Partition: "O", Prefix: store.ChunkPrefix}, &got)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Equal(t, []doc{{Name: "a"}, {Name: "b"}}, got)

	require.Len(t, api.queries, 2)
	first := api.queries[0]
	assert.Equal(t, "#pk = :pk AND begins_with(#sk, :prefix)", aws.ToString(first.KeyConditionExpression))
	assert.True(t, aws.ToBool(first.ConsistentRead))
	assert.Nil(t, first.IndexName)
	assert.NotNil(t, api.queries[1].ExclusiveStartKey)
}

func TestStore_Query_LimitedReturnsCursor(t *testing.T) {
	api := newFakeAPI()
	lastKey := map[string]types.AttributeValue{
		store.AttrPK:      &types.AttributeValueMemberS{Value: "TOKEN#a"},
		store.AttrSK:      &types.AttributeValueMemberS{Value: "TOKEN"},
		store.AttrIndexPK: &types.AttributeValueMemberS{Value: "TOKENS"},
		store.AttrIndexSK: &types.AttributeValueMemberS{Value: "2026"},
	}
	api.pages = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item("TOKEN#a", "TOKEN", "a", 1)}, LastEvaluatedKey: lastKey}}
	s := New(api, "polygraf", 0)

	var got []doc
	next, err := s.Query(context.Background(), store.Query{Index: store.IndexByGroup, Partition: "TOKENS", Limit: 1}, &got)
	require.NoError(t, err)
	require.NotEmpty(t, next)
	decoded, err := store.DecodeCursor(next)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{store.AttrPK: "TOKEN#a", store.AttrSK: "TOKEN", store.AttrIndexSK: "2026"}, decoded)
	assert.Equal(t, store.IndexByGroup, aws.ToString(api.queries[0].IndexName))
	assert.Nil(t, api.queries[0].ConsistentRead)
	assert.Equal(t, int32(1), aws.ToInt32(api.queries[0].Limit))

	_, err = s.Query(context.Background(), store.Query{Index: store.IndexByGroup, Partition: "TOKENS", Limit: 1, Cursor: next}, &got)
	require.NoError(t, err)
	assert.Equal(t, lastKey, api.queries[1].ExclusiveStartKey)
}

func TestStore_Write_CreateMapsConflict(t *testing.T) {
	api := newFakeAPI()
	api.txErrors = []error{canceled("ConditionalCheckFailed")}
	s := New(api, "polygraf", 0)

	err := s.Write(context.Background(),
		store.CreateOp(store.Item{Key: store.Key{PK: "A", SK: "1"}, Value: doc{Name: "x"}}),
		store.DeleteOp(store.Key{PK: "A", SK: "2"}),
	)
	require.ErrorIs(t, err, store.ErrConflict)

	require.Len(t, api.txs, 1)
	items := api.txs[0].TransactItems
	require.Len(t, items, 2)
	require.NotNil(t, items[0].Put)
	assert.Equal(t, "attribute_not_exists(#pk)", aws.ToString(items[0].Put.ConditionExpression))
	assert.Equal(t, versionAttr(1), items[0].Put.Item[store.AttrVersion])
	require.NotNil(t, items[1].Delete)
	assert.NotEmpty(t, aws.ToString(api.txs[0].ClientRequestToken))
}

func TestStore_Write_BatchTooLarge(t *testing.T) {
	api := newFakeAPI()
	s := New(api, "polygraf", 0)

	ops := make([]store.Op, MaxBatchSize+1)
	for i := range ops {
		ops[i] = store.DeleteOp(store.Key{PK: "A", SK: fmt.Sprint(i)})
	}
	err := s.Write(context.Background(), ops...)
	require.ErrorIs(t, err, store.ErrBatchTooLarge)
	assert.Empty(t, api.txs)
}

func TestStore_Write_ByteLimit(t *testing.T) {
	api := newFakeAPI()
	s := New(api, "polygraf", 0)

	type blob struct {
		Data []byte `dynamodbav:"data"`
	}
	ops := make([]store.Op, 12)
	for i := range ops {
		ops[i] = store.CreateOp(store.Item{Key: store.Key{PK: "O", SK: fmt.Sprint(i)}, Value: blob{Data: make([]byte, 350*1024)}})
	}
	err := s.Write(context.Background(), ops...)
	require.ErrorIs(t, err, store.ErrBatchTooLarge)
	assert.Empty(t, api.txs)

	require.NoError(t, s.Write(context.Background(), ops[:11]...))
	assert.Len(t, api.txs, 1)
}

func TestStore_Write_MapsSizeValidation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "transaction size",
			err:  &smithy.GenericAPIError{Code: "ValidationException", Message: "Transaction request size has exceeded the maximum allowed size"},
			want: store.ErrBatchTooLarge,
		},
		{
			name: "item count",
			err:  &smithy.GenericAPIError{Code: "ValidationException", Message: "Member must have length less than or equal to 100"},
			want: store.ErrBatchTooLarge,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			api.txErrors = []error{tc.err}
			s := New(api, "polygraf", 0)

			err := s.Write(context.Background(), store.DeleteOp(store.Key{PK: "A", SK: "1"}))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	api := newFakeAPI()
	api.txErrors = []error{&smithy.GenericAPIError{Code: "ValidationException", Message: "One or more parameter values were invalid"}}
	err := New(api, "polygraf", 0).Write(context.Background(), store.DeleteOp(store.Key{PK: "A", SK: "1"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrBatchTooLarge)
}

func TestStore_RunTx_ByteLimit(t *testing.T) {
	api := newFakeAPI()
	s := New(api, "polygraf", 1)

	err := s.RunTx(context.Background(), func(ctx context.Context, tx store.Txn) error {
		for i := 0; i < 12; i++ {
			tx.Merge(store.Key{PK: "O", SK: fmt.Sprint(i)}, map[string]any{"data": make([]byte, 350*1024)})
		}
		return nil
	})
	require.ErrorIs(t, err, store.ErrBatchTooLarge)
	assert.Empty(t, api.txs)
}

func TestStore_RunTx_GuardsReads(t *testing.T) {
	api := newFakeAPI()
	api.items[store.Key{PK: "A", SK: "1"}] = item("A", "1", "read-write", 4)
	api.items[store.Key{PK: "A", SK: "2"}] = item("A", "2", "read-only", 7)
	s := New(api, "polygraf", 0)

	err := s.RunTx(context.Background(), func(ctx context.Context, tx store.Txn) error {
		var d doc
		if err := tx.Get(ctx, store.Key{PK: "A", SK: "1"}, &d); err != nil {
			return err
		}
		if err := tx.Get(ctx, store.Key{PK: "A", SK: "2"}, &d); err != nil {
			return err
		}
		tx.Merge(store.Key{PK: "A", SK: "1"}, map[string]any{"name": "updated"})
		tx.Put(store.Item{Key: store.Key{PK: "A", SK: "3"}, Value: doc{Name: "new"}})
		return nil
	})
	require.NoError(t, err)

	require.Len(t, api.txs, 1)
	items := api.txs[0].TransactItems
	require.Len(t, items, 3)

	update := items[0].Update
	require.NotNil(t, update)
	assert.Equal(t, "SET #f0 = :f0 ADD #ver :one", aws.ToString(update.UpdateExpression))
	assert.Equal(t, "#ver = :ver", aws.ToString(update.ConditionExpression))
	assert.Equal(t, versionAttr(4), update.ExpressionAttributeValues[":ver"])

	put := items[1].Put
	require.NotNil(t, put)
	assert.Equal(t, "attribute_not_exists(#pk)", aws.ToString(put.ConditionExpression))

	check := items[2].ConditionCheck
	require.NotNil(t, check)
	assert.Equal(t, versionAttr(7), check.ExpressionAttributeValues[":ver"])
}

func TestStore_RunTx_RetriesCancelledTransaction(t *testing.T) {
	api := newFakeAPI()
	api.txErrors = []error{canceled("TransactionConflict"), nil}
	s := New(api, "polygraf", 3)

	calls := 0
	err := s.RunTx(context.Background(), func(ctx context.Context, tx store.Txn) error {
		calls++
		tx.Merge(store.Key{PK: "A", SK: "1"}, map[string]any{"name": "x"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, api.txs, 2)
}

func TestStore_RunTx_ReadOnlySkipsCommit(t *testing.T) {
	api := newFakeAPI()
	s := New(api, "polygraf", 0)

	err := s.RunTx(context.Background(), func(ctx context.Context, tx store.Txn) error {
		var d doc
		err := tx.Get(ctx, store.Key{PK: "missing", SK: "x"}, &d)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, api.txs)
}
