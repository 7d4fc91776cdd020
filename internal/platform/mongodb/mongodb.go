package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/clinic/ledger/internal/platform/db"
)

// ErrConflict marks a transaction aborted because another transaction
// wrote the same documents. The whole unit of work may be retried.
var ErrConflict = errors.New("mongodb: write conflict")

const appName = "clinic-ledger"

// Connect opens a client and verifies the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetAppName(appName))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// Check probes the client for the health endpoint.
func Check(client *mongo.Client) db.Check {
	return db.Check{
		Name: "mongodb",
		Ping: func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) },
	}
}

// IsConflict reports whether err is a transient transaction error, so the
// whole transaction may run again. An unknown commit result is not one:
// the commit may already have been applied.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	return hasLabel(err, "TransientTransactionError")
}

// CommitUnknown reports whether the server could not tell if a commit
// was applied. Only the commit may be retried.
func CommitUnknown(err error) bool {
	return hasLabel(err, "UnknownTransactionCommitResult")
}

func hasLabel(err error, label string) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(label)
}

const maxCommitTries = 3

// commitWithRetry runs commit again while its outcome is unknown.
// CommitTransaction is idempotent, the unit of work is never replayed.
func commitWithRetry(ctx context.Context, commit func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := commit(ctx)
		if err == nil || CommitUnknown(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxCommitTries))
	return err
}

func classify(err error) error {
	if err != nil && !errors.Is(err, ErrConflict) && IsConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// TxRunner runs units of work in snapshot multi-document transactions.
// Requires a replica set or sharded cluster.
type TxRunner struct {
	client *mongo.Client
}

func NewTxRunner(client *mongo.Client) *TxRunner {
	return &TxRunner{client: client}
}

// RunInTx runs fn in a transaction bound to the returned context. A call
// made while a session transaction is already open joins it.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	sess, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(opts); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	sctx := mongo.NewSessionContext(ctx, sess)
	if err := fn(sctx); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(ctx))
		return classify(err)
	}
	if err := commitWithRetry(sctx, sess.CommitTransaction); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// EnsureIndexes creates the given indexes per collection. Existing
// indexes with the same keys are left alone.
func EnsureIndexes(ctx context.Context, database *mongo.Database, indexes map[string][]mongo.IndexModel) error {
	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		if _, err := database.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", col, err)
		}
	}
	return nil
}
