package tabular

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultMongoDatabase  = "mixledger"
	mongoTablesCollection = "ledger_tables"
	mongoRowsCollection   = "ledger_rows"
	mongoOperationTimeout = 10 * time.Second
)

type mongoTableDoc struct {
	Name   string   `bson:"_id"`
	Header []string `bson:"header"`
	Seq    int64    `bson:"seq"`
}

type mongoRowDoc struct {
	Table string   `bson:"table"`
	Seq   int64    `bson:"seq"`
	Cells []string `bson:"cells"`
}

// MongoStore keeps table headers and a per-table row sequence in one
// collection and rows in another. Appends reserve a block of sequence numbers
// with $inc before inserting, so ledger order is the reservation order.
type MongoStore struct {
	client *mongo.Client
	tables *mongo.Collection
	rows   *mongo.Collection
}

func NewMongoStore(uri string) (*MongoStore, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, ErrInvalidInput
	}
	database := defaultMongoDatabase
	if parsed, err := url.Parse(uri); err == nil {
		if name := strings.Trim(parsed.Path, "/"); name != "" {
			database = name
		}
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db := client.Database(database)
	store := &MongoStore{
		client: client,
		tables: db.Collection(mongoTablesCollection),
		rows:   db.Collection(mongoRowsCollection),
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
	defer cancel()
	_, err = store.rows.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "table", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create mongo row index: %w", err)
	}
	return store, nil
}

func (s *MongoStore) Backend() string { return "mongodb" }

func (s *MongoStore) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	cursor, err := s.tables.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoTableDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		names = append(names, doc.Name)
	}
	return names, nil
}

func (s *MongoStore) ReadColumn(ctx context.Context, table string, column int) ([]string, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	if err := validateColumn(column); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	var meta mongoTableDoc
	err := s.tables.FindOne(ctx, bson.D{{Key: "_id", Value: table}}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, err
	}
	cursor, err := s.rows.Find(ctx,
		bson.D{{Key: "table", Value: table}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoRowDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	cells := make([]string, 0, len(docs)+1)
	cells = append(cells, cellAt(meta.Header, column))
	for _, doc := range docs {
		cells = append(cells, cellAt(doc.Cells, column))
	}
	return cells, nil
}

func (s *MongoStore) AppendRows(ctx context.Context, table string, rows [][]string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	var meta mongoTableDoc
	err := s.tables.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: table}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(len(rows))}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrTableNotFound
	}
	if err != nil {
		return err
	}
	first := meta.Seq - int64(len(rows)) + 1
	docs := make([]any, 0, len(rows))
	for i, row := range rows {
		docs = append(docs, mongoRowDoc{Table: table, Seq: first + int64(i), Cells: normalizeCells(cloneRow(row))})
	}
	_, err = s.rows.InsertMany(ctx, docs)
	return err
}

func (s *MongoStore) EnsureTable(ctx context.Context, table string, header []string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	_, err := s.tables.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: table}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "header", Value: normalizeCells(header)},
			{Key: "seq", Value: int64(0)},
		}}},
		options.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return err
	}
	if len(header) == 0 {
		return nil
	}
	_, err = s.tables.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: table}, {Key: "header", Value: bson.D{{Key: "$size", Value: 0}}}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "header", Value: normalizeCells(header)}}}})
	return err
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
