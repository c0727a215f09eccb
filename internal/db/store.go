package db

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Store is the document database collaborator. Documents are addressed by
// collection and string id and encoded with their bson struct tags.
type Store interface {
	// Create inserts doc under id unless a document with that id already
	// exists. Fields named in serverTime are stamped with the store's clock.
	// It reports whether a new document was written.
	Create(ctx context.Context, collection, id string, doc interface{}, serverTime ...string) (bool, error)

	// Set creates or overwrites the document under id.
	Set(ctx context.Context, collection, id string, doc interface{}, serverTime ...string) error

	// Update applies a targeted field update to one document. Returns
	// ErrNotFound when no document has that id.
	Update(ctx context.Context, collection, id string, u *Update) error

	// UpdateMany applies u to every document matching f and returns the
	// number of matched documents.
	UpdateMany(ctx context.Context, collection string, f Filter, u *Update) (int64, error)

	// Get decodes the document under id into out. Returns ErrNotFound.
	Get(ctx context.Context, collection, id string, out interface{}) error

	// Find decodes all documents matching q into out, a pointer to a slice.
	Find(ctx context.Context, collection string, q Query, out interface{}) error

	// Delete removes the document under id. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// DeleteMany removes every document matching f.
	DeleteMany(ctx context.Context, collection string, f Filter) (int64, error)

	// Watch opens a change feed that fires whenever a document matching f
	// is written or any document in the collection is deleted.
	Watch(ctx context.Context, collection string, f Filter) (ChangeStream, error)
}

// ChangeStream delivers change notifications for a Watch call.
type ChangeStream interface {
	// Next blocks until at least one change happened since the previous
	// call, the context is done, or the stream fails.
	Next(ctx context.Context) error
	Close(ctx context.Context) error
}

// Update is a set of targeted field mutations. Fields may be dotted paths.
type Update struct {
	set        bson.M
	unset      []string
	inc        map[string]int64
	serverTime []string
}

// NewUpdate returns an empty update
func NewUpdate() *Update {
	return &Update{set: bson.M{}, inc: map[string]int64{}}
}

// Set assigns value to field.
func (u *Update) Set(field string, value interface{}) *Update {
	u.set[field] = value
	return u
}

// Unset removes field.
func (u *Update) Unset(field string) *Update {
	u.unset = append(u.unset, field)
	return u
}

// Inc atomically adds delta to a numeric field, creating it at delta if absent.
func (u *Update) Inc(field string, delta int64) *Update {
	u.inc[field] += delta
	return u
}

// ServerTime stamps field with the store's clock at write time.
func (u *Update) ServerTime(field string) *Update {
	u.serverTime = append(u.serverTime, field)
	return u
}

// IsEmpty reports whether the update would change nothing.
func (u *Update) IsEmpty() bool {
	return len(u.set) == 0 && len(u.unset) == 0 && len(u.inc) == 0 && len(u.serverTime) == 0
}

// BSON renders the update as a mongo update document.
func (u *Update) BSON() bson.M {
	out := bson.M{}
	if len(u.set) > 0 {
		out["$set"] = u.set
	}
	if len(u.unset) > 0 {
		fields := bson.M{}
		for _, f := range u.unset {
			fields[f] = ""
		}
		out["$unset"] = fields
	}
	if len(u.inc) > 0 {
		fields := bson.M{}
		for f, d := range u.inc {
			fields[f] = d
		}
		out["$inc"] = fields
	}
	if len(u.serverTime) > 0 {
		fields := bson.M{}
		for _, f := range u.serverTime {
			fields[f] = true
		}
		out["$currentDate"] = fields
	}
	return out
}
