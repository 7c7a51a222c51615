package apub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jim-taylor-business/lemmy/models"
)

const fetchBodyLimit = 1 << 20

// HTTPFetcher dereferences an object from its origin server and upserts the
// resulting row. Signature verification and full object validation live in
// the delivery layer; here we only need enough of the document to create the
// local stub that relationship rows can point at.
type HTTPFetcher struct {
	db     *gorm.DB
	client *retryablehttp.Client
}

func NewHTTPFetcher(db *gorm.DB) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	return &HTTPFetcher{db: db, client: client}
}

type apObject struct {
	Id                string `json:"id"`
	Type              string `json:"type"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferredUsername"`
	AttributedTo      string `json:"attributedTo"`
	Audience          string `json:"audience"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref ObjectRef) (*Object, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", ref.URI, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/activity+json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s failed: %s", ref.URI, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, err
	}

	var obj apObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decoding object %s: %w", ref.URI, err)
	}
	if obj.Id != ref.URI {
		return nil, fmt.Errorf("object id %q does not match requested uri %q", obj.Id, ref.URI)
	}

	switch ref.Kind {
	case KindCommunity:
		return f.upsertCommunity(ctx, &obj)
	case KindPerson:
		return f.upsertPerson(ctx, &obj)
	case KindPost:
		return f.upsertPost(ctx, &obj)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownObjectKind, ref.Kind)
	}
}

func (f *HTTPFetcher) upsertCommunity(ctx context.Context, obj *apObject) (*Object, error) {
	row := models.Community{
		Name:  obj.PreferredUsername,
		Title: obj.Name,
		ApID:  obj.Id,
	}
	if err := f.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ap_id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return nil, err
	}
	return &Object{Kind: KindCommunity, ID: row.ID}, nil
}

func (f *HTTPFetcher) upsertPerson(ctx context.Context, obj *apObject) (*Object, error) {
	row := models.Person{
		Name:        obj.PreferredUsername,
		DisplayName: obj.Name,
		ApID:        obj.Id,
	}
	if err := f.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ap_id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return nil, err
	}
	return &Object{Kind: KindPerson, ID: row.ID}, nil
}

func (f *HTTPFetcher) upsertPost(ctx context.Context, obj *apObject) (*Object, error) {
	row := models.Post{
		Title: obj.Name,
		ApID:  obj.Id,
	}

	// Creator and community get linked when we already know them; a post from
	// an unseen author still gets a stub row so a save can point at it.
	var creator []uint
	if obj.AttributedTo != "" {
		f.db.WithContext(ctx).Model(&models.Person{}).Where("ap_id = ?", obj.AttributedTo).Limit(1).Pluck("id", &creator)
	}
	if len(creator) > 0 {
		row.CreatorID = creator[0]
	}

	var community []uint
	if obj.Audience != "" {
		f.db.WithContext(ctx).Model(&models.Community{}).Where("ap_id = ?", obj.Audience).Limit(1).Pluck("id", &community)
	}
	if len(community) > 0 {
		row.CommunityID = community[0]
	}

	if err := f.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ap_id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return nil, err
	}
	return &Object{Kind: KindPost, ID: row.ID}, nil
}
