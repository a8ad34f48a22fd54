package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBackend stores accounts, aliases and usage records in three
// collections of a single database.
type MongoBackend struct {
	client *mongo.Client
	db     *mongo.Database
	uri    string
	dbName string
}

type mongoAccount struct {
	ID           string    `bson:"_id"`
	Email        string    `bson:"email"`
	RefreshToken string    `bson:"refresh_token"`
	AccessToken  string    `bson:"access_token"`
	TokenExpiry  time.Time `bson:"token_expiry"`
	ProjectID    string    `bson:"project_id"`
	Tier         string    `bson:"tier"`
	QuotaScore   float64   `bson:"quota_score"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type mongoAlias struct {
	Source string `bson:"_id"`
	Target string `bson:"target_model"`
}

type mongoUsage struct {
	Timestamp      time.Time `bson:"ts"`
	Protocol       string    `bson:"protocol"`
	Model          string    `bson:"model"`
	AccountEmail   string    `bson:"account_email"`
	Success        bool      `bson:"success"`
	StatusCode     int       `bson:"status_code"`
	ResponseTimeMS int64     `bson:"response_time_ms"`
	ErrorType      string    `bson:"error_type"`
}

func NewMongoBackend(uri, dbName string) *MongoBackend {
	return &MongoBackend{uri: uri, dbName: dbName}
}

func (m *MongoBackend) Initialize(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(m.uri))
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	m.client = client
	m.db = client.Database(m.dbName)

	indexCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = m.usage().Indexes().CreateOne(indexCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "ts", Value: -1}},
	})
	return err
}

func (m *MongoBackend) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoBackend) Health(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoBackend) accounts() *mongo.Collection { return m.db.Collection("accounts") }
func (m *MongoBackend) aliases() *mongo.Collection  { return m.db.Collection("model_aliases") }
func (m *MongoBackend) usage() *mongo.Collection    { return m.db.Collection("usage_records") }

func toAccount(doc *mongoAccount) *Account {
	return &Account{
		ID:           doc.ID,
		Email:        doc.Email,
		RefreshToken: doc.RefreshToken,
		AccessToken:  doc.AccessToken,
		TokenExpiry:  doc.TokenExpiry,
		ProjectID:    doc.ProjectID,
		Tier:         doc.Tier,
		QuotaScore:   doc.QuotaScore,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func (m *MongoBackend) GetAccount(ctx context.Context, id string) (*Account, error) {
	var doc mongoAccount
	err := m.accounts().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Key: id}
		}
		return nil, err
	}
	return toAccount(&doc), nil
}

func (m *MongoBackend) PutAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	account.UpdatedAt = now
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	doc := mongoAccount{
		ID:           account.ID,
		Email:        account.Email,
		RefreshToken: account.RefreshToken,
		AccessToken:  account.AccessToken,
		TokenExpiry:  account.TokenExpiry,
		ProjectID:    account.ProjectID,
		Tier:         account.Tier,
		QuotaScore:   account.QuotaScore,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
	_, err := m.accounts().ReplaceOne(ctx, bson.M{"_id": account.ID}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (m *MongoBackend) DeleteAccount(ctx context.Context, id string) error {
	res, err := m.accounts().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{Key: id}
	}
	return nil
}

func (m *MongoBackend) ListAccounts(ctx context.Context) ([]*Account, error) {
	cursor, err := m.accounts().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var accounts []*Account
	for cursor.Next(ctx) {
		var doc mongoAccount
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		accounts = append(accounts, toAccount(&doc))
	}
	return accounts, cursor.Err()
}

func (m *MongoBackend) UpdateCredential(ctx context.Context, id, accessToken string, expiry time.Time) error {
	return m.targetedUpdate(ctx, id, bson.M{
		"access_token": accessToken,
		"token_expiry": expiry,
	})
}

func (m *MongoBackend) UpdateMetadata(ctx context.Context, id, projectID, tier string) error {
	return m.targetedUpdate(ctx, id, bson.M{
		"project_id": projectID,
		"tier":       tier,
	})
}

func (m *MongoBackend) UpdateQuotaScore(ctx context.Context, id string, score float64) error {
	return m.targetedUpdate(ctx, id, bson.M{"quota_score": score})
}

func (m *MongoBackend) targetedUpdate(ctx context.Context, id string, fields bson.M) error {
	fields["updated_at"] = time.Now().UTC()
	res, err := m.accounts().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Key: id}
	}
	return nil
}

func (m *MongoBackend) GetAlias(ctx context.Context, source string) (string, error) {
	var doc mongoAlias
	err := m.aliases().FindOne(ctx, bson.M{"_id": source}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", &ErrNotFound{Key: source}
		}
		return "", err
	}
	return doc.Target, nil
}

func (m *MongoBackend) SetAlias(ctx context.Context, source, target string) error {
	_, err := m.aliases().ReplaceOne(ctx, bson.M{"_id": source},
		mongoAlias{Source: source, Target: target}, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoBackend) DeleteAlias(ctx context.Context, source string) error {
	res, err := m.aliases().DeleteOne(ctx, bson.M{"_id": source})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{Key: source}
	}
	return nil
}

func (m *MongoBackend) ListAliases(ctx context.Context) (map[string]string, error) {
	cursor, err := m.aliases().Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	aliases := map[string]string{}
	for cursor.Next(ctx) {
		var doc mongoAlias
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		aliases[doc.Source] = doc.Target
	}
	return aliases, cursor.Err()
}

func (m *MongoBackend) AppendUsage(ctx context.Context, record UsageRecord) error {
	_, err := m.usage().InsertOne(ctx, mongoUsage{
		Timestamp:      record.Timestamp,
		Protocol:       record.Protocol,
		Model:          record.Model,
		AccountEmail:   record.AccountEmail,
		Success:        record.Success,
		StatusCode:     record.StatusCode,
		ResponseTimeMS: record.ResponseTimeMS,
		ErrorType:      record.ErrorType,
	})
	return err
}

func (m *MongoBackend) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	cursor, err := m.usage().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []UsageRecord
	for cursor.Next(ctx) {
		var doc mongoUsage
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, UsageRecord{
			Timestamp:      doc.Timestamp,
			Protocol:       doc.Protocol,
			Model:          doc.Model,
			AccountEmail:   doc.AccountEmail,
			Success:        doc.Success,
			StatusCode:     doc.StatusCode,
			ResponseTimeMS: doc.ResponseTimeMS,
			ErrorType:      doc.ErrorType,
		})
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, cursor.Err()
}
