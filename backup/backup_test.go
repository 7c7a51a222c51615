package backup_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jim-taylor-business/lemmy/apub"
	"github.com/jim-taylor-business/lemmy/backup"
	"github.com/jim-taylor-business/lemmy/models"
	"github.com/jim-taylor-business/lemmy/relstore"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite")), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	// single connection: the importer writes concurrently and sqlite only
	// takes one writer
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	require.NoError(t, relstore.RunMigrations(db))
	require.NoError(t, db.AutoMigrate(&backup.ImportJob{}))
	return db
}

// fakeResolver resolves from two maps: refs in local resolve without
// fetching, refs in remote require a counted fetch. Fetches can be forbidden
// outright for tests that must never go remote.
type fakeResolver struct {
	lk          sync.Mutex
	local       map[string]apub.Object
	remote      map[string]apub.Object
	fetches     map[string]int
	forbidFetch bool
	t           *testing.T
}

func newFakeResolver(t *testing.T) *fakeResolver {
	return &fakeResolver{
		local:   make(map[string]apub.Object),
		remote:  make(map[string]apub.Object),
		fetches: make(map[string]int),
		t:       t,
	}
}

func (r *fakeResolver) Resolve(ctx context.Context, ref apub.ObjectRef) (*apub.Object, error) {
	r.lk.Lock()
	defer r.lk.Unlock()

	if obj, ok := r.local[ref.URI]; ok {
		return &obj, nil
	}
	if r.forbidFetch {
		r.t.Errorf("unexpected remote fetch for %s", ref)
		return nil, fmt.Errorf("fetch forbidden")
	}
	r.fetches[ref.URI]++
	if obj, ok := r.remote[ref.URI]; ok {
		return &obj, nil
	}
	return nil, fmt.Errorf("remote fetch of %s failed", ref.URI)
}

func (r *fakeResolver) ResolveLocal(ctx context.Context, ref apub.ObjectRef) (*apub.Object, error) {
	r.lk.Lock()
	defer r.lk.Unlock()

	if obj, ok := r.local[ref.URI]; ok {
		return &obj, nil
	}
	return nil, fmt.Errorf("resolving %s: %w", ref, apub.ErrObjectNotLocal)
}

func (r *fakeResolver) fetchCount(uri string) int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.fetches[uri]
}

type fixture struct {
	db       *gorm.DB
	store    *relstore.Store
	resolver *fakeResolver
	jobs     *backup.Memstore
	codec    *backup.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testDB(t)
	store := relstore.NewStore(db)
	resolver := newFakeResolver(t)
	jobs := backup.NewMemstore()
	importer := backup.NewImporter(store, resolver, jobs)

	return &fixture{
		db:       db,
		store:    store,
		resolver: resolver,
		jobs:     jobs,
		codec:    backup.NewCodec(db, store, importer),
	}
}

func (f *fixture) createUser(t *testing.T, name, bio string) *models.Person {
	t.Helper()

	person := models.Person{
		Name:        name,
		DisplayName: name,
		Bio:         bio,
		ApID:        "https://local.example/u/" + name,
		Local:       true,
	}
	require.NoError(t, f.db.Create(&person).Error)
	require.NoError(t, f.db.Create(&models.LocalUser{PersonID: person.ID, Theme: "browser", ShowAvatars: true}).Error)
	return &person
}

// waitForJob blocks until the most recent import job reaches a terminal
// state. Nothing awaits the detached import, so tests poll its job record.
func (f *fixture) waitForJob(t *testing.T, jobID uint) string {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, ok := f.jobs.JobState(jobID)
		require.True(t, ok)
		if state == backup.JobStateCompleted || state == backup.JobStateFailed {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("import job never reached a terminal state")
	return ""
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()

	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	exportUser := f.createUser(t, "hanna", "my bio")

	community := models.Community{Name: "testcom", Title: "testcom", ApID: "https://local.example/c/testcom", Local: true}
	require.NoError(t, f.db.Create(&community).Error)
	require.NoError(t, f.store.Follow(ctx, &relstore.FollowForm{PersonID: exportUser.ID, CommunityID: community.ID}))
	f.resolver.local[community.ApID] = apub.Object{Kind: apub.KindCommunity, ID: community.ID}

	snapshot, err := f.codec.Export(ctx, exportUser)
	require.NoError(t, err)
	assert.Equal(t, []string{community.ApID}, snapshot.FollowedCommunities)
	require.NotNil(t, snapshot.Bio)
	assert.Equal(t, "my bio", *snapshot.Bio)

	importUser := f.createUser(t, "charles", "")
	require.NoError(t, f.codec.Import(ctx, importUser, snapshot))
	assert.Equal(t, backup.JobStateCompleted, f.waitForJob(t, 1))

	var updated models.Person
	require.NoError(t, f.db.First(&updated, importUser.ID).Error)
	assert.Equal(t, "hanna", updated.DisplayName)
	assert.Equal(t, "my bio", updated.Bio)

	var follow models.CommunityFollow
	require.NoError(t, f.db.First(&follow, "person_id = ?", importUser.ID).Error)
	assert.Equal(t, community.ID, follow.CommunityID)
	assert.True(t, follow.Pending)
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	subject := f.createUser(t, "hanna", "my bio")

	community := models.Community{Name: "testcom", ApID: "https://local.example/c/testcom", Local: true}
	post := models.Post{Title: "hello", ApID: "https://local.example/post/1", Local: true}
	require.NoError(t, f.db.Create(&community).Error)
	require.NoError(t, f.db.Create(&post).Error)
	require.NoError(t, f.store.Follow(ctx, &relstore.FollowForm{PersonID: subject.ID, CommunityID: community.ID}))
	require.NoError(t, f.store.SavePost(ctx, subject.ID, post.ID))
	f.resolver.local[community.ApID] = apub.Object{Kind: apub.KindCommunity, ID: community.ID}
	f.resolver.local[post.ApID] = apub.Object{Kind: apub.KindPost, ID: post.ID}

	snapshot, err := f.codec.Export(ctx, subject)
	require.NoError(t, err)

	// importing a user's own unmodified snapshot changes nothing
	require.NoError(t, f.codec.Import(ctx, subject, snapshot))
	assert.Equal(t, backup.JobStateCompleted, f.waitForJob(t, 1))

	assert.EqualValues(t, 1, countRows(t, f.db, &models.CommunityFollow{}))
	assert.EqualValues(t, 1, countRows(t, f.db, &models.PostSave{}))
}

func TestImportScenarioRemotePostFetchedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	subjectA := f.createUser(t, "alice", "")

	c1 := models.Community{Name: "c1", ApID: "https://local.example/c/c1", Local: true}
	p1 := models.Post{Title: "p1", ApID: "https://remote.example/post/p1"}
	require.NoError(t, f.db.Create(&c1).Error)
	require.NoError(t, f.db.Create(&p1).Error)
	require.NoError(t, f.store.Follow(ctx, &relstore.FollowForm{PersonID: subjectA.ID, CommunityID: c1.ID}))
	require.NoError(t, f.store.SavePost(ctx, subjectA.ID, p1.ID))

	snapshot, err := f.codec.Export(ctx, subjectA)
	require.NoError(t, err)
	assert.Equal(t, []string{c1.ApID}, snapshot.FollowedCommunities)
	assert.Equal(t, []string{p1.ApID}, snapshot.SavedPosts)

	// c1 resolves locally, p1 requires a remote fetch
	f.resolver.local[c1.ApID] = apub.Object{Kind: apub.KindCommunity, ID: c1.ID}
	f.resolver.remote[p1.ApID] = apub.Object{Kind: apub.KindPost, ID: p1.ID}

	subjectB := f.createUser(t, "bob", "")
	require.NoError(t, f.codec.Import(ctx, subjectB, snapshot))
	assert.Equal(t, backup.JobStateCompleted, f.waitForJob(t, 1))

	var follow models.CommunityFollow
	require.NoError(t, f.db.First(&follow, "person_id = ?", subjectB.ID).Error)
	assert.Equal(t, c1.ID, follow.CommunityID)
	assert.True(t, follow.Pending)

	var save models.PostSave
	require.NoError(t, f.db.First(&save, "person_id = ?", subjectB.ID).Error)
	assert.Equal(t, p1.ID, save.PostID)

	assert.Equal(t, 1, f.resolver.fetchCount(p1.ApID))
}

func TestImportTooLarge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	subject := f.createUser(t, "hanna", "")

	snapshot := &backup.UserBackup{}
	for i := 0; i < 501; i++ {
		snapshot.FollowedCommunities = append(snapshot.FollowedCommunities, fmt.Sprintf("https://a.example/c/%d", i))
		snapshot.BlockedCommunities = append(snapshot.BlockedCommunities, fmt.Sprintf("https://b.example/c/%d", i))
	}

	err := f.codec.Import(ctx, subject, snapshot)
	require.ErrorIs(t, err, backup.ErrBackupTooLarge)

	// no relationship mutation happened and no job was spawned
	assert.EqualValues(t, 0, countRows(t, f.db, &models.CommunityFollow{}))
	assert.EqualValues(t, 0, countRows(t, f.db, &models.CommunityBlock{}))
	_, ok := f.jobs.JobState(1)
	assert.False(t, ok)
}

func TestImportCeilingIgnoresSavedPosts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	subject := f.createUser(t, "hanna", "")

	// exactly at the ceiling, plus saved posts beyond it
	snapshot := &backup.UserBackup{}
	for i := 0; i < backup.MaxImportRefCount; i++ {
		snapshot.BlockedCommunities = append(snapshot.BlockedCommunities, fmt.Sprintf("https://b.example/c/%d", i))
	}
	for i := 0; i < 200; i++ {
		post := models.Post{ApID: fmt.Sprintf("https://local.example/post/%d", i), Local: true}
		require.NoError(t, f.db.Create(&post).Error)
		f.resolver.local[post.ApID] = apub.Object{Kind: apub.KindPost, ID: post.ID}
		snapshot.SavedPosts = append(snapshot.SavedPosts, post.ApID)
	}

	require.NoError(t, f.codec.Import(ctx, subject, snapshot))
	assert.Equal(t, backup.JobStateCompleted, f.waitForJob(t, 1))

	// the unknown blocked refs were skipped, the saved posts all landed
	assert.EqualValues(t, 0, countRows(t, f.db, &models.CommunityBlock{}))
	assert.EqualValues(t, 200, countRows(t, f.db, &models.PostSave{}))

	// one more follow/block ref tips it over
	snapshot.BlockedUsers = []string{"https://c.example/u/one-too-many"}
	assert.ErrorIs(t, f.codec.Import(ctx, subject, snapshot), backup.ErrBackupTooLarge)
}

func TestImportSettingsMergeFieldByField(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	subject := f.createUser(t, "hanna", "")

	theme := "darkly"
	showNsfw := true
	require.NoError(t, f.codec.Import(ctx, subject, &backup.UserBackup{
		Settings: &backup.SettingsBackup{
			Theme:    &theme,
			ShowNsfw: &showNsfw,
		},
	}))
	f.waitForJob(t, 1)

	var lu models.LocalUser
	require.NoError(t, f.db.First(&lu, "person_id = ?", subject.ID).Error)
	assert.Equal(t, "darkly", lu.Theme)
	assert.True(t, lu.ShowNsfw)
	// absent fields keep their current values
	assert.True(t, lu.ShowAvatars)
}

func TestImportSanitizesProfileFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	subject := f.createUser(t, "hanna", "")

	bio := "hi <b>there</b><script>alert(1)</script>"
	require.NoError(t, f.codec.Import(ctx, subject, &backup.UserBackup{Bio: &bio}))
	f.waitForJob(t, 1)

	var updated models.Person
	require.NoError(t, f.db.First(&updated, subject.ID).Error)
	assert.Equal(t, "hi there", updated.Bio)
}

func TestSnapshotBackwardCompatible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	subject := f.createUser(t, "hanna", "")

	// an old snapshot predating the collection fields still imports
	raw := `{"display_name": "old hanna", "some_future_field": 42}`
	var snapshot backup.UserBackup
	require.NoError(t, json.Unmarshal([]byte(raw), &snapshot))

	require.NoError(t, f.codec.Import(ctx, subject, &snapshot))
	assert.Equal(t, backup.JobStateCompleted, f.waitForJob(t, 1))

	var updated models.Person
	require.NoError(t, f.db.First(&updated, subject.ID).Error)
	assert.Equal(t, "old hanna", updated.DisplayName)
}
