// Package moderation fans site-level moderation actions out to the local
// communities they affect.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/jim-taylor-business/lemmy/apub"
	"github.com/jim-taylor-business/lemmy/models"
	"github.com/jim-taylor-business/lemmy/relstore"
)

var tracer = otel.Tracer("moderation")

// ErrBanExpirationInPast is returned when a ban carries an expiry timestamp
// that has already passed.
var ErrBanExpirationInPast = errors.New("ban expiration is in the past")

// Store is the slice of the relationship store the propagator needs.
type Store interface {
	ListLocalCommunityIDs(ctx context.Context, personID uint) ([]uint, error)
	BanFromCommunity(ctx context.Context, form *relstore.BanForm) error
	UnbanFromCommunity(ctx context.Context, personID, communityID uint) error
	Unfollow(ctx context.Context, personID, communityID uint) error
	CreateModLogEntry(ctx context.Context, form *relstore.ModLogForm) error
}

// SiteBanCommand describes a site ban or unban of Target issued by Moderator.
type SiteBanCommand struct {
	Target     *models.Person
	Moderator  *models.Person
	Ban        bool
	Reason     *string
	RemoveData *bool
	// Expires is epoch seconds; nil means permanent.
	Expires *int64
}

// Propagator pushes a site ban of a remote account into every local
// community that account has participated in.
//
// Site bans only federate for local users, so banning a remote account would
// otherwise leave its content and subscriptions untouched in our local
// communities. See https://github.com/LemmyNet/lemmy/issues/4118.
type Propagator struct {
	store   Store
	emitter apub.Emitter
	log     *slog.Logger
}

func NewPropagator(store Store, emitter apub.Emitter) *Propagator {
	return &Propagator{
		store:   store,
		emitter: emitter,
		log:     slog.With("source", "ban_propagator"),
	}
}

// PropagateBan applies cmd to each local community the target has touched.
// Propagation is best-effort per community: one community failing never
// blocks the others, and the call reports success once every community has
// been attempted. Failures land in logs and metrics only.
func (p *Propagator) PropagateBan(ctx context.Context, cmd *SiteBanCommand) error {
	ctx, span := tracer.Start(ctx, "PropagateBan")
	defer span.End()

	// A local target needs no fan-out, their own server enforces the ban.
	if cmd.Target.Local {
		return nil
	}

	ids, err := p.store.ListLocalCommunityIDs(ctx, cmd.Target.ID)
	if err != nil {
		return fmt.Errorf("listing communities for banned person: %w", err)
	}

	log := p.log.With("target", cmd.Target.ApID, "moderator", cmd.Moderator.ApID, "ban", cmd.Ban)

	for _, communityID := range ids {
		communitiesProcessed.Inc()
		if err := p.propagateToCommunity(ctx, cmd, communityID, log); err != nil {
			// Scoped to this community; siblings still get processed.
			log.Error("ban propagation failed for community", "community_id", communityID, "err", err)
		}
	}

	return nil
}

func (p *Propagator) propagateToCommunity(ctx context.Context, cmd *SiteBanCommand, communityID uint, log *slog.Logger) error {
	var expires *time.Time
	if cmd.Ban {
		var err error
		expires, err = checkExpireTime(cmd.Expires)
		if err != nil {
			return err
		}
	}

	if cmd.Ban {
		p.tolerant(log, "ban", communityID, p.store.BanFromCommunity(ctx, &relstore.BanForm{
			PersonID:    cmd.Target.ID,
			CommunityID: communityID,
			Expires:     expires,
		}))

		// A banned account should not stay subscribed either.
		p.tolerant(log, "unfollow", communityID, p.store.Unfollow(ctx, cmd.Target.ID, communityID))
	} else {
		p.tolerant(log, "unban", communityID, p.store.UnbanFromCommunity(ctx, cmd.Target.ID, communityID))
	}

	// The mod log is the audit trail: unlike the writes above, its failure is
	// strict and aborts this community's remaining steps.
	if err := p.store.CreateModLogEntry(ctx, &relstore.ModLogForm{
		ModPersonID:   cmd.Moderator.ID,
		OtherPersonID: cmd.Target.ID,
		CommunityID:   communityID,
		Banned:        cmd.Ban,
		Reason:        cmd.Reason,
		Expires:       expires,
	}); err != nil {
		return fmt.Errorf("writing mod log entry: %w", err)
	}

	act := &apub.Activity{
		Type:        "BanFromCommunity",
		ActorApID:   cmd.Moderator.ApID,
		TargetApID:  cmd.Target.ApID,
		CommunityID: communityID,
		Ban:         cmd.Ban,
		Reason:      cmd.Reason,
		RemoveData:  cmd.RemoveData,
		Expires:     cmd.Expires,
	}
	if err := p.emitter.Submit(ctx, act); err != nil {
		return fmt.Errorf("submitting ban activity: %w", err)
	}
	activitiesEmitted.Inc()

	return nil
}

// tolerant is the best-effort half of the error policy: the failure is
// counted and logged, never propagated. A partial ban beats no ban.
func (p *Propagator) tolerant(log *slog.Logger, op string, communityID uint, err error) {
	if err == nil {
		return
	}
	tolerantFailures.WithLabelValues(op).Inc()
	log.Warn("best-effort mutation failed", "op", op, "community_id", communityID, "err", err)
}

// checkExpireTime validates an optional epoch-seconds expiry and converts it
// to a timestamp.
func checkExpireTime(expires *int64) (*time.Time, error) {
	if expires == nil {
		return nil, nil
	}

	t := time.Unix(*expires, 0).UTC()
	if t.Before(time.Now()) {
		return nil, ErrBanExpirationInPast
	}

	return &t, nil
}
