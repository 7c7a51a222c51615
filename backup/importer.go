package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jim-taylor-business/lemmy/apub"
	"github.com/jim-taylor-business/lemmy/relstore"
)

// Store is the slice of the relationship store the importer writes through.
type Store interface {
	Follow(ctx context.Context, form *relstore.FollowForm) error
	BlockCommunity(ctx context.Context, personID, communityID uint) error
	BlockPerson(ctx context.Context, personID, targetID uint) error
	SavePost(ctx context.Context, personID, postID uint) error
}

// Importer resolves the object references of a snapshot and applies the
// corresponding relationship rows, detached from the request that triggered
// the import.
type Importer struct {
	store    Store
	resolver apub.Resolver
	jobs     JobStore
	log      *slog.Logger
}

func NewImporter(store Store, resolver apub.Resolver, jobs JobStore) *Importer {
	return &Importer{
		store:    store,
		resolver: resolver,
		jobs:     jobs,
		log:      slog.With("source", "backup_importer"),
	}
}

// Spawn runs the import in the background and returns immediately. The
// operation has no cancellation handle and no synchronous observer: it runs
// to completion or first error, and its outcome lands in the job row and the
// logs.
func (im *Importer) Spawn(subjectID uint, lists *relstore.RelationshipLists) {
	ctx := context.Background()

	jobID, err := im.jobs.CreateJob(ctx, subjectID)
	if err != nil {
		// The import can still run, it just won't be observable.
		im.log.Error("failed to create import job record", "person_id", subjectID, "err", err)
	}

	importJobsSpawned.Inc()

	go func() {
		log := im.log.With("person_id", subjectID, "job_id", jobID)

		if err := im.jobs.SetJobState(ctx, jobID, JobStateRunning, nil); err != nil {
			log.Error("failed to mark import job running", "err", err)
		}

		if err := im.Run(ctx, subjectID, lists); err != nil {
			importJobsFailed.Inc()
			log.Error("backup import failed", "err", err)
			if serr := im.jobs.SetJobState(ctx, jobID, JobStateFailed, err); serr != nil {
				log.Error("failed to mark import job failed", "err", serr)
			}
			return
		}

		log.Info("backup import complete",
			"followed", len(lists.FollowedCommunities),
			"blocked_communities", len(lists.BlockedCommunities),
			"blocked_users", len(lists.BlockedUsers),
			"saved_posts", len(lists.SavedPosts),
		)
		if err := im.jobs.SetJobState(ctx, jobID, JobStateCompleted, nil); err != nil {
			log.Error("failed to mark import job completed", "err", err)
		}
	}()
}

// Run resolves and applies all four collections concurrently and returns the
// first error encountered. A failure aborts only its own collection's
// remaining work; the other collections run to completion. Every write is an
// idempotent upsert, so re-running a partially failed import is safe.
func (im *Importer) Run(ctx context.Context, subjectID uint, lists *relstore.RelationshipLists) error {
	ctx, span := tracer.Start(ctx, "ImportRun")
	defer span.End()

	var g errgroup.Group
	g.Go(func() error { return im.importFollows(ctx, subjectID, lists.FollowedCommunities) })
	g.Go(func() error { return im.importCommunityBlocks(ctx, subjectID, lists.BlockedCommunities) })
	g.Go(func() error { return im.importPersonBlocks(ctx, subjectID, lists.BlockedUsers) })
	g.Go(func() error { return im.importSaves(ctx, subjectID, lists.SavedPosts) })
	return g.Wait()
}

// importFollows fetches each followed community, remotely if needed: the user
// chose to follow these, so dereferencing them is intentional. Follows are
// created pending until the community approves the subscription.
func (im *Importer) importFollows(ctx context.Context, subjectID uint, uris []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, uri := range uris {
		g.Go(func() error {
			obj, err := im.resolver.Resolve(ctx, apub.CommunityRef(uri))
			if err != nil {
				return fmt.Errorf("resolving followed community %s: %w", uri, err)
			}
			if err := im.store.Follow(ctx, &relstore.FollowForm{
				PersonID:    subjectID,
				CommunityID: obj.ID,
				Pending:     true,
			}); err != nil {
				return fmt.Errorf("following community %s: %w", uri, err)
			}
			refsImported.WithLabelValues("followed_community").Inc()
			return nil
		})
	}
	return g.Wait()
}

// importCommunityBlocks never fetches: a block list naming an unknown host
// must not make this server originate requests to it. Unknown refs are
// skipped silently.
func (im *Importer) importCommunityBlocks(ctx context.Context, subjectID uint, uris []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, uri := range uris {
		g.Go(func() error {
			obj, err := im.resolver.ResolveLocal(ctx, apub.CommunityRef(uri))
			if errors.Is(err, apub.ErrObjectNotLocal) {
				refsSkipped.WithLabelValues("blocked_community").Inc()
				return nil
			}
			if err != nil {
				return fmt.Errorf("resolving blocked community %s: %w", uri, err)
			}
			if err := im.store.BlockCommunity(ctx, subjectID, obj.ID); err != nil {
				return fmt.Errorf("blocking community %s: %w", uri, err)
			}
			refsImported.WithLabelValues("blocked_community").Inc()
			return nil
		})
	}
	return g.Wait()
}

func (im *Importer) importPersonBlocks(ctx context.Context, subjectID uint, uris []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, uri := range uris {
		g.Go(func() error {
			obj, err := im.resolver.ResolveLocal(ctx, apub.PersonRef(uri))
			if errors.Is(err, apub.ErrObjectNotLocal) {
				refsSkipped.WithLabelValues("blocked_user").Inc()
				return nil
			}
			if err != nil {
				return fmt.Errorf("resolving blocked user %s: %w", uri, err)
			}
			if err := im.store.BlockPerson(ctx, subjectID, obj.ID); err != nil {
				return fmt.Errorf("blocking user %s: %w", uri, err)
			}
			refsImported.WithLabelValues("blocked_user").Inc()
			return nil
		})
	}
	return g.Wait()
}

// importSaves may fetch, symmetric with follows: saved posts are content the
// user already engaged with.
func (im *Importer) importSaves(ctx context.Context, subjectID uint, uris []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, uri := range uris {
		g.Go(func() error {
			obj, err := im.resolver.Resolve(ctx, apub.PostRef(uri))
			if err != nil {
				return fmt.Errorf("resolving saved post %s: %w", uri, err)
			}
			if err := im.store.SavePost(ctx, subjectID, obj.ID); err != nil {
				return fmt.Errorf("saving post %s: %w", uri, err)
			}
			refsImported.WithLabelValues("saved_post").Inc()
			return nil
		})
	}
	return g.Wait()
}
