package apub

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jim-taylor-business/lemmy/models"
)

// ErrObjectNotLocal is returned by ResolveLocal when the reference does not
// name anything already known to this server.
var ErrObjectNotLocal = errors.New("object not known locally")

// Resolver turns a global object reference into a local row.
//
// Resolve and ResolveLocal are deliberately two separate methods rather than
// a flag: call sites handling block lists and similar attacker-supplied
// references must not be able to request a remote fetch by accident.
type Resolver interface {
	// Resolve returns the local object for ref, fetching it from the origin
	// server first if we have never seen it.
	Resolve(ctx context.Context, ref ObjectRef) (*Object, error)

	// ResolveLocal only consults local storage. Unknown references fail with
	// ErrObjectNotLocal and never trigger an outbound request.
	ResolveLocal(ctx context.Context, ref ObjectRef) (*Object, error)
}

// Fetcher retrieves an object from its origin server and stores it locally,
// returning the resulting row. Implementations own HTTP transport, response
// validation and signature checking.
type Fetcher interface {
	Fetch(ctx context.Context, ref ObjectRef) (*Object, error)
}

// DBResolver resolves references against the local database, delegating cache
// misses to an optional Fetcher. With a nil Fetcher, Resolve degrades to
// local-only behavior.
type DBResolver struct {
	db      *gorm.DB
	fetcher Fetcher
}

func NewDBResolver(db *gorm.DB, fetcher Fetcher) *DBResolver {
	return &DBResolver{db: db, fetcher: fetcher}
}

func (r *DBResolver) Resolve(ctx context.Context, ref ObjectRef) (*Object, error) {
	obj, err := r.ResolveLocal(ctx, ref)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, ErrObjectNotLocal) {
		return nil, err
	}

	if r.fetcher == nil {
		return nil, fmt.Errorf("resolving %s: %w", ref, ErrObjectNotLocal)
	}

	obj, err = r.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ref, err)
	}

	return obj, nil
}

func (r *DBResolver) ResolveLocal(ctx context.Context, ref ObjectRef) (*Object, error) {
	var id uint
	var err error

	switch ref.Kind {
	case KindCommunity:
		err = r.lookup(ctx, &models.Community{}, ref.URI, &id)
	case KindPerson:
		err = r.lookup(ctx, &models.Person{}, ref.URI, &id)
	case KindPost:
		err = r.lookup(ctx, &models.Post{}, ref.URI, &id)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownObjectKind, ref.Kind)
	}
	if err != nil {
		return nil, err
	}

	if id == 0 {
		return nil, fmt.Errorf("resolving %s: %w", ref, ErrObjectNotLocal)
	}

	return &Object{Kind: ref.Kind, ID: id}, nil
}

func (r *DBResolver) lookup(ctx context.Context, model any, uri string, id *uint) error {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(model).Where("ap_id = ?", uri).Limit(1).Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) > 0 {
		*id = ids[0]
	}
	return nil
}
