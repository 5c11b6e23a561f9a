package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/oil/blobstore"
)

// CurrentName is the pointer blob the commit store keeps in DynamoDB.
const CurrentName = "CURRENT"

// DDBCommitStore is a blobstore.BlobStore on S3 whose CURRENT pointer
// lives in DynamoDB. S3 has no compare-and-swap, so two processes backing
// up to the same prefix could overwrite each other's CURRENT; a conditional
// DynamoDB write makes exactly one of them win.
//
// Table schema:
//   - Partition key: base_uri (string), the S3 location of the backups
//   - Sort key: version (number), increasing per commit
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name oil-backups \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	blobs     blobstore.BlobStore
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// DDBClient is the subset of *dynamodb.Client the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// ErrConcurrentModification is returned when another writer committed the
// same version first.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// NewDDBCommitStore wraps blobs, usually a *Store. baseURI ("s3://bucket/prefix")
// is the partition key and separates independent backup locations.
func NewDDBCommitStore(blobs blobstore.BlobStore, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		blobs:     blobs,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open opens a blob. CURRENT is answered from DynamoDB.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != CurrentName {
		return s.blobs.Open(ctx, name)
	}
	version, target, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, CurrentName)
	}
	return &currentBlob{content: []byte(target)}, nil
}

// Put writes a blob. Writing CURRENT commits a new version and fails with
// ErrConcurrentModification if another writer got there first.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == CurrentName {
		return s.commit(ctx, string(data))
	}
	return s.blobs.Put(ctx, name, data)
}

// Create starts a streaming write. CURRENT cannot be streamed.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if name == CurrentName {
		return nil, fmt.Errorf("%s must be written with Put", CurrentName)
	}
	return s.blobs.Create(ctx, name)
}

// Delete removes a blob. Deleting CURRENT drops the whole commit history.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if name != CurrentName {
		return s.blobs.Delete(ctx, name)
	}
	versions, err := s.versions(ctx)
	if err != nil {
		return err
	}
	for _, v := range versions {
		_, err := s.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
				"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(v, 10)},
			},
		})
		if err != nil {
			return fmt.Errorf("delete commit %d: %w", v, err)
		}
	}
	return nil
}

// List lists the blobs of the underlying store.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.blobs.List(ctx, prefix)
}

func (s *DDBCommitStore) query(ctx context.Context, limit *int32, startKey map[string]types.AttributeValue) (*dynamodb.QueryOutput, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             limit,
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, fmt.Errorf("query dynamodb: %w", err)
	}
	return resp, nil
}

// latest returns the newest committed version and its target, or 0.
func (s *DDBCommitStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := s.query(ctx, aws.Int32(1), nil)
	if err != nil {
		return 0, "", err
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}
	item := resp.Items[0]
	version, err := parseVersion(item)
	if err != nil {
		return 0, "", err
	}
	target, ok := item["manifest_path"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("invalid manifest_path attribute in dynamodb")
	}
	return version, target.Value, nil
}

func (s *DDBCommitStore) versions(ctx context.Context) ([]uint64, error) {
	var (
		out      []uint64
		startKey map[string]types.AttributeValue
	)
	for {
		resp, err := s.query(ctx, nil, startKey)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			v, err := parseVersion(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func parseVersion(item map[string]types.AttributeValue) (uint64, error) {
	attr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("invalid version attribute in dynamodb")
	}
	v, err := strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version: %w", err)
	}
	return v, nil
}

func (s *DDBCommitStore) commit(ctx context.Context, target string) error {
	current, _, err := s.latest(ctx)
	if err != nil {
		return err
	}

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":      &types.AttributeValueMemberS{Value: s.baseURI},
			"version":       &types.AttributeValueMemberN{Value: strconv.FormatUint(current+1, 10)},
			"manifest_path": &types.AttributeValueMemberS{Value: target},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("commit version to dynamodb: %w", err)
	}
	return nil
}

type currentBlob struct {
	content []byte
}

func (b *currentBlob) Close() error { return nil }

func (b *currentBlob) Size() int64 { return int64(len(b.content)) }

func (b *currentBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *currentBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(b.content)) {
		return nil, io.EOF
	}
	end := min(off+length, int64(len(b.content)))
	return io.NopCloser(bytes.NewReader(b.content[off:end])), nil
}
