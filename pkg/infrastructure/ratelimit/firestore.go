package ratelimit

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/juju/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore keeps the window in one document per key and updates it inside a
// transaction, so every instance sees the same count.
type Firestore struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
	limit  int
	window time.Duration
	clock  clock.Clock
}

func NewFirestore(client *firestore.Client, collection string, limit int, window time.Duration, clk clock.Clock) *Firestore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Firestore{
		client: client,
		coll:   client.Collection(collection),
		limit:  limit,
		window: window,
		clock:  clk,
	}
}

var docIDReplacer = strings.NewReplacer("/", "_", ".", "-")

// docID maps a limiter key (an IP address) to a valid document id.
func docID(key string) string {
	return docIDReplacer.Replace(key)
}

func (f *Firestore) Allow(ctx context.Context, key string) (bool, error) {
	doc := f.coll.Doc(docID(key))
	allowed := false

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		allowed = false
		var hits []time.Time

		snap, err := tx.Get(doc)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if raw, ok := snap.Data()["hits"].([]interface{}); ok {
				for _, v := range raw {
					if t, ok := v.(time.Time); ok {
						hits = append(hits, t)
					}
				}
			}
		}

		now := f.clock.Now()
		hits, allowed = admit(hits, now, f.limit, f.window)
		if !allowed {
			return nil
		}
		return tx.Set(doc, map[string]interface{}{
			"hits":       hits,
			"updated_at": now,
		})
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}
