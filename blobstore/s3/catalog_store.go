package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/memgo/blobstore"
)

// LatestName is the virtual blob holding the id of the newest mirrored
// backup. Reads and writes of it go through DynamoDB instead of S3.
const LatestName = "LATEST"

// ErrConcurrentModification is returned when another writer committed a
// newer LATEST pointer between read and write.
var ErrConcurrentModification = errors.New("s3: concurrent modification detected")

// DDBClient is the subset of the DynamoDB API the catalog uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CatalogStore wraps an S3 store with a DynamoDB-backed commit of the
// LATEST pointer. S3 cannot compare-and-swap an object, so two writers
// mirroring concurrently could silently overwrite each other's pointer;
// the catalog's conditional writes make the newer commit win and surface
// ErrConcurrentModification to the loser.
//
// Table schema: partition key mirror_uri (S), sort key version (N).
type CatalogStore struct {
	store     *Store
	ddb       DDBClient
	tableName string
	mirrorURI string
}

// NewCatalogStore creates a CatalogStore over store.
// mirrorURI identifies this mirror in the table, e.g. "s3://bucket/prefix".
func NewCatalogStore(store *Store, ddb DDBClient, tableName, mirrorURI string) *CatalogStore {
	return &CatalogStore{
		store:     store,
		ddb:       ddb,
		tableName: tableName,
		mirrorURI: mirrorURI,
	}
}

// Put writes a blob; LatestName goes to DynamoDB as a conditional write.
func (s *CatalogStore) Put(ctx context.Context, name string, data []byte) error {
	if name == LatestName {
		return s.commitLatest(ctx, string(data))
	}
	return s.store.Put(ctx, name, data)
}

// Open opens a blob; LatestName resolves through DynamoDB.
func (s *CatalogStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name == LatestName {
		version, backupID, err := s.latest(ctx)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, blobstore.ErrNotFound
		}
		return &memBlob{Reader: bytes.NewReader([]byte(backupID)), size: int64(len(backupID))}, nil
	}
	return s.store.Open(ctx, name)
}

// List lists the underlying S3 blobs.
func (s *CatalogStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.store.List(ctx, prefix)
}

// Delete removes an S3 blob. The catalog history is append-only.
func (s *CatalogStore) Delete(ctx context.Context, name string) error {
	if name == LatestName {
		return errors.New("s3: the LATEST pointer cannot be deleted")
	}
	return s.store.Delete(ctx, name)
}

func (s *CatalogStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("mirror_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.mirrorURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query catalog: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: invalid version attribute in catalog")
	}
	idAttr, ok := item["backup_id"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: invalid backup_id attribute in catalog")
	}

	var version uint64
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &version); err != nil {
		return 0, "", fmt.Errorf("s3: parse catalog version: %w", err)
	}
	return version, idAttr.Value, nil
}

// commitLatest appends version current+1; the condition rejects the write
// if another writer claimed that version first.
func (s *CatalogStore) commitLatest(ctx context.Context, backupID string) error {
	current, _, err := s.latest(ctx)
	if err != nil {
		return err
	}
	next := current + 1

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"mirror_uri": &types.AttributeValueMemberS{Value: s.mirrorURI},
			"version":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", next)},
			"backup_id":  &types.AttributeValueMemberS{Value: backupID},
		},
		ConditionExpression: aws.String("attribute_not_exists(mirror_uri) AND attribute_not_exists(version)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return fmt.Errorf("%w: version %d already committed", ErrConcurrentModification, next)
		}
		return fmt.Errorf("s3: commit catalog version: %w", err)
	}
	return nil
}

type memBlob struct {
	*bytes.Reader
	size int64
}

func (b *memBlob) Close() error { return nil }

func (b *memBlob) Size() int64 { return b.size }
