package sessionstore

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"

	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
)

const (
	// SessionIndexName is the messages table GSI keyed by session_id and created_at
	SessionIndexName = "session_id-created_at-index"

	maxPages = 100
)

// DynamoStore keeps sessions and messages in two DynamoDB tables
type DynamoStore struct {
	client        dynamodbiface.DynamoDBAPI
	sessionsTable string
	messagesTable string
	now           func() time.Time
	logger        *logger.Logger
}

// NewDynamoStore creates a store backed by DynamoDB in the given region
func NewDynamoStore(region, sessionsTable, messagesTable string) (*DynamoStore, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeConfig, "failed to create AWS session", err)
	}
	return NewDynamoStoreWithClient(dynamodb.New(sess), sessionsTable, messagesTable), nil
}

// NewDynamoStoreWithClient creates a store with a custom client (for testing)
func NewDynamoStoreWithClient(client dynamodbiface.DynamoDBAPI, sessionsTable, messagesTable string) *DynamoStore {
	return &DynamoStore{
		client:        client,
		sessionsTable: sessionsTable,
		messagesTable: messagesTable,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger.New("session-store"),
	}
}

// ListSessions returns every session, most recently updated first
func (s *DynamoStore) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	var lastKey map[string]*dynamodb.AttributeValue

	for page := 0; page < maxPages; page++ {
		out, err := s.client.ScanWithContext(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.sessionsTable),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to scan sessions", err)
		}

		var items []types.Session
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeData, "failed to unmarshal sessions", err)
		}
		sessions = append(sessions, items...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = out.LastEvaluatedKey
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	s.logger.InfoWithCount("Listed sessions", len(sessions))
	return nonNilSessions(sessions), nil
}

// GetSession returns the session with the given id
func (s *DynamoStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.sessionsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(id)},
		},
	})
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to get session", err)
	}
	if len(out.Item) == 0 {
		return nil, sessionNotFound(id)
	}

	var sess types.Session
	if err := dynamodbattribute.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "failed to unmarshal session", err)
	}
	return &sess, nil
}

// CreateSession stores a new session with a generated id
func (s *DynamoStore) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	now := s.now()
	sess := types.Session{
		ID:        uuid.NewString(),
		Title:     titleOrDefault(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	item, err := dynamodbattribute.MarshalMap(sess)
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "failed to marshal session", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.sessionsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to create session", err)
	}

	s.logger.Info("Created session", map[string]interface{}{"session_id": sess.ID})
	return &sess, nil
}

// UpdateSessionTitle renames a session and bumps its updated_at
func (s *DynamoStore) UpdateSessionTitle(ctx context.Context, id, title string) (*types.Session, error) {
	updatedAt, err := dynamodbattribute.Marshal(s.now())
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "failed to marshal timestamp", err)
	}

	out, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.sessionsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(id)},
		},
		UpdateExpression:    aws.String("SET title = :title, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":title":      {S: aws.String(titleOrDefault(title))},
			":updated_at": updatedAt,
		},
		ReturnValues: aws.String(dynamodb.ReturnValueAllNew),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, sessionNotFound(id)
		}
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to update session", err)
	}

	var sess types.Session
	if err := dynamodbattribute.UnmarshalMap(out.Attributes, &sess); err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "failed to unmarshal session", err)
	}
	return &sess, nil
}

// ListMessages returns the messages of a session, oldest first
func (s *DynamoStore) ListMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	var messages []types.Message
	var lastKey map[string]*dynamodb.AttributeValue

	for page := 0; page < maxPages; page++ {
		out, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.messagesTable),
			IndexName:              aws.String(SessionIndexName),
			KeyConditionExpression: aws.String("session_id = :session_id"),
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":session_id": {S: aws.String(sessionID)},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to query messages", err)
		}

		var items []types.Message
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeData, "failed to unmarshal messages", err)
		}
		messages = append(messages, items...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = out.LastEvaluatedKey
	}

	// RFC3339 strings with varying fractional digits do not sort lexically
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	for i := range messages {
		messages[i].Sources = sourcesOrEmpty(messages[i].Sources)
	}

	s.logger.InfoWithCount("Listed messages", len(messages), map[string]interface{}{
		"session_id": sessionID,
	})
	return nonNilMessages(messages), nil
}

// CreateMessage records a message in an existing session
func (s *DynamoStore) CreateMessage(ctx context.Context, msg NewMessage) (*types.Message, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, msg.SessionID); err != nil {
		return nil, err
	}

	message := types.Message{
		ID:        uuid.NewString(),
		SessionID: msg.SessionID,
		Question:  msg.Question,
		Answer:    msg.Answer,
		Sources:   sourcesOrEmpty(msg.Sources),
		CreatedAt: s.now(),
	}

	item, err := dynamodbattribute.MarshalMap(message)
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "failed to marshal message", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.messagesTable),
		Item:      item,
	})
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to create message", err)
	}

	return &message, nil
}

// Close is a no-op; the SDK client holds no resources
func (s *DynamoStore) Close() error {
	return nil
}

func isConditionFailed(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}

func nonNilSessions(s []types.Session) []types.Session {
	if s == nil {
		return []types.Session{}
	}
	return s
}

func nonNilMessages(m []types.Message) []types.Message {
	if m == nil {
		return []types.Message{}
	}
	return m
}
