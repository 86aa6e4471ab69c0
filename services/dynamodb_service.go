package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"lmschat/config"
)

// DynamoDBAPI is the subset of the DynamoDB client the store calls.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const (
	attrPath  = "Path"
	attrDocID = "DocID"
	attrData  = "Data"
)

// DynamoDBStore keeps documents in one table keyed by (Path, DocID).
// Document ids are UUIDv7, so the range key order is creation order.
type DynamoDBStore struct {
	db    DynamoDBAPI
	table string
	clock func() time.Time
	log   zerolog.Logger
}

// NewDynamoDBClient builds a client. A configured endpoint means DynamoDB
// Local, which accepts any static credentials.
func NewDynamoDBClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts,
			awsconfig.WithEndpointResolverWithOptions(customResolver),
			awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy",
				},
			}),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func NewDynamoDBStore(db DynamoDBAPI, table string, log zerolog.Logger) *DynamoDBStore {
	return &DynamoDBStore{
		db:    db,
		table: table,
		clock: func() time.Time { return time.Now().UTC() },
		log:   log.With().Str("component", "dynamodb").Logger(),
	}
}

// EnsureTable creates the documents table when it does not exist yet.
func (s *DynamoDBStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(attrPath),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String(attrDocID),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(attrPath),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String(attrDocID),
				KeyType:       types.KeyTypeRange,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		s.log.Debug().Str("table", s.table).Msg("table already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	s.log.Info().Str("table", s.table).Msg("table created")
	return nil
}

func (s *DynamoDBStore) CreateDocument(ctx context.Context, path string, data map[string]any) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	id, err := newDocumentID()
	if err != nil {
		return "", err
	}
	encoded, err := encodeAttributes(resolveFields(data, s.clock()))
	if err != nil {
		return "", err
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrPath:  &types.AttributeValueMemberS{Value: path},
			attrDocID: &types.AttributeValueMemberS{Value: id},
			attrData:  &types.AttributeValueMemberM{Value: encoded},
		},
	})
	if err != nil {
		return "", fmt.Errorf("put document %s/%s: %w", path, id, err)
	}
	return id, nil
}

func (s *DynamoDBStore) GetSubcollectionDocuments(ctx context.Context, path string, limit int) ([]Document, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	docs := make([]Document, 0)
	var startKey map[string]types.AttributeValue
	for {
		in := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#p = :path"),
			ExpressionAttributeNames: map[string]string{
				"#p": attrPath,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":path": &types.AttributeValueMemberS{Value: path},
			},
			ScanIndexForward:  aws.Bool(true), // oldest first
			ExclusiveStartKey: startKey,
		}
		if limit > 0 {
			in.Limit = aws.Int32(int32(min(limit-len(docs), math.MaxInt32)))
		}

		result, err := s.db.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query documents %s: %w", path, err)
		}
		for _, item := range result.Items {
			doc, err := decodeItem(item)
			if err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("skipping undecodable document")
				continue
			}
			docs = append(docs, doc)
		}

		if len(result.LastEvaluatedKey) == 0 || (limit > 0 && len(docs) >= limit) {
			return docs, nil
		}
		startKey = result.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) DeleteDocument(ctx context.Context, path, id string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrPath:  &types.AttributeValueMemberS{Value: path},
			attrDocID: &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", path, id, err)
	}
	return nil
}

// Times are stored as a {seconds, nanos} map so they read back as time.Time
// and never collide with string content.
func encodeAttributes(fields map[string]any) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = &types.AttributeValueMemberS{Value: val}
		case bool:
			out[k] = &types.AttributeValueMemberBOOL{Value: val}
		case int:
			out[k] = &types.AttributeValueMemberN{Value: strconv.Itoa(val)}
		case int64:
			out[k] = &types.AttributeValueMemberN{Value: strconv.FormatInt(val, 10)}
		case float64:
			out[k] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(val, 'f', -1, 64)}
		case time.Time:
			out[k] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"seconds": &types.AttributeValueMemberN{Value: strconv.FormatInt(val.Unix(), 10)},
				"nanos":   &types.AttributeValueMemberN{Value: strconv.Itoa(val.Nanosecond())},
			}}
		default:
			return nil, fmt.Errorf("field %q: unsupported value type %T", k, v)
		}
	}
	return out, nil
}

func decodeItem(item map[string]types.AttributeValue) (Document, error) {
	id, ok := item[attrDocID].(*types.AttributeValueMemberS)
	if !ok {
		return Document{}, errors.New("document has no id")
	}
	data, ok := item[attrData].(*types.AttributeValueMemberM)
	if !ok {
		return Document{ID: id.Value, Fields: map[string]any{}}, nil
	}
	fields, err := decodeAttributes(data.Value)
	if err != nil {
		return Document{}, fmt.Errorf("document %s: %w", id.Value, err)
	}
	return Document{ID: id.Value, Fields: fields}, nil
}

func decodeAttributes(attrs map[string]types.AttributeValue) (map[string]any, error) {
	out := make(map[string]any, len(attrs))
	for k, av := range attrs {
		switch val := av.(type) {
		case *types.AttributeValueMemberS:
			out[k] = val.Value
		case *types.AttributeValueMemberBOOL:
			out[k] = val.Value
		case *types.AttributeValueMemberN:
			f, err := strconv.ParseFloat(val.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = f
		case *types.AttributeValueMemberM:
			t, err := decodeTime(val.Value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = t
		}
	}
	return out, nil
}

func decodeTime(m map[string]types.AttributeValue) (time.Time, error) {
	secAttr, ok1 := m["seconds"].(*types.AttributeValueMemberN)
	nanoAttr, ok2 := m["nanos"].(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return time.Time{}, errors.New("map value is not a timestamp")
	}
	sec, err := strconv.ParseInt(secAttr.Value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(nanoAttr.Value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, nanos).UTC(), nil
}
