package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	// DefaultMongoDatabase is the default for MongoConfig.Database.
	DefaultMongoDatabase = "authgateway"
	// DefaultMongoCollection is the default for MongoConfig.Collection.
	DefaultMongoCollection = "users"
)

// MongoConfig holds MongoDirectory settings.
// A zero value besides URI is valid, see constants for default values.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoDirectory stores one document per user with the refresh tokens
// embedded as an array. $pull filtered on the token gives the atomic
// conditional remove.
type MongoDirectory struct {
	client *mongo.Client
	users  *mongo.Collection
	opts   backendOptions
}

var (
	_ Directory = (*MongoDirectory)(nil)
	_ Pinger    = (*MongoDirectory)(nil)
)

// userDoc is the BSON form of a user.
type userDoc struct {
	ID            string    `bson:"_id"`
	Provider      string    `bson:"provider"`
	ProviderID    string    `bson:"providerId"`
	DisplayName   string    `bson:"displayName"`
	Email         *string   `bson:"email"`
	Photo         *string   `bson:"photo"`
	Roles         []string  `bson:"roles"`
	RefreshTokens []string  `bson:"refreshTokens"`
	CreatedAt     time.Time `bson:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

// NewMongoDirectory connects to MongoDB and ensures the identity index.
func NewMongoDirectory(ctx context.Context, cfg MongoConfig, opts ...Option) (*MongoDirectory, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultMongoDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultMongoCollection
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	d := &MongoDirectory{
		client: client,
		users:  client.Database(cfg.Database).Collection(cfg.Collection),
		opts:   buildOptions(opts),
	}
	_, err = d.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "providerId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create identity index: %w", err)
	}
	return d, nil
}

func (d *MongoDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	return d.findOne(ctx, bson.M{"_id": id})
}

func (d *MongoDirectory) FindByExternalIdentity(ctx context.Context, provider, providerID string) (*User, error) {
	return d.findOne(ctx, bson.M{"provider": provider, "providerId": providerID})
}

func (d *MongoDirectory) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var doc userDoc
	if err := d.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return doc.toUser(), nil
}

func (d *MongoDirectory) Resolve(ctx context.Context, p Profile) (*User, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}
	now := d.opts.now()
	update := bson.M{
		"$set": bson.M{
			"displayName": p.DisplayName,
			"email":       p.Email,
			"photo":       p.Photo,
			"updatedAt":   now,
		},
		"$setOnInsert": bson.M{
			"_id":           UserID(p.Provider, p.ProviderID),
			"roles":         []string{DefaultRole},
			"refreshTokens": []string{},
			"createdAt":     now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc userDoc
	err := d.users.FindOneAndUpdate(ctx,
		bson.M{"provider": p.Provider, "providerId": p.ProviderID}, update, opts).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return doc.toUser(), nil
}

func (d *MongoDirectory) AddRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	res, err := d.users.UpdateOne(ctx, bson.M{"_id": userID},
		bson.M{"$addToSet": bson.M{"refreshTokens": token}})
	if err != nil {
		return false, fmt.Errorf("failed to add refresh token: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (d *MongoDirectory) HasRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	n, err := d.users.CountDocuments(ctx, bson.M{"_id": userID, "refreshTokens": token})
	if err != nil {
		return false, fmt.Errorf("failed to check refresh token: %w", err)
	}
	return n > 0, nil
}

func (d *MongoDirectory) RemoveRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	res, err := d.users.UpdateOne(ctx, bson.M{"_id": userID, "refreshTokens": token},
		bson.M{"$pull": bson.M{"refreshTokens": token}})
	if err != nil {
		return false, fmt.Errorf("failed to remove refresh token: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (d *MongoDirectory) AddRole(ctx context.Context, userID, role string) (bool, error) {
	res, err := d.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$addToSet": bson.M{"roles": role},
		"$set":      bson.M{"updatedAt": d.opts.now()},
	})
	if err != nil {
		return false, fmt.Errorf("failed to add role: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (d *MongoDirectory) RemoveRole(ctx context.Context, userID, role string) (bool, error) {
	// Matching on roles.1 keeps the pull from emptying the set.
	res, err := d.users.UpdateOne(ctx,
		bson.M{"_id": userID, "roles": role, "roles.1": bson.M{"$exists": true}},
		bson.M{
			"$pull": bson.M{"roles": role},
			"$set":  bson.M{"updatedAt": d.opts.now()},
		})
	if err != nil {
		return false, fmt.Errorf("failed to remove role: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	u, err := d.FindByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if u.HasAnyRole(role) {
		return true, ErrLastRole
	}
	return true, nil
}

func (d *MongoDirectory) PurgeAll(ctx context.Context) error {
	if !d.opts.testMode {
		return ErrPurgeRefused
	}
	if _, err := d.users.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("failed to purge users: %w", err)
	}
	return nil
}

// Ping checks MongoDB connectivity against the primary.
func (d *MongoDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

func (d *MongoDirectory) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}

func (doc *userDoc) toUser() *User {
	tokens := doc.RefreshTokens
	if tokens == nil {
		tokens = []string{}
	}
	return &User{
		ID:                  doc.ID,
		Provider:            doc.Provider,
		ProviderID:          doc.ProviderID,
		DisplayName:         doc.DisplayName,
		Email:               doc.Email,
		Photo:               doc.Photo,
		Roles:               doc.Roles,
		ActiveRefreshTokens: tokens,
		CreatedAt:           doc.CreatedAt.UTC(),
		UpdatedAt:           doc.UpdatedAt.UTC(),
	}
}
