package social

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/events"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/guards"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) Publish(event events.DomainEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true
}

func (p *recordingPublisher) published() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.DomainEvent(nil), p.events...)
}

type everyoneExists struct{}

func (everyoneExists) Exists(context.Context, string) (bool, error) {
	return true, nil
}

type socialFixture struct {
	service   *Service
	store     *notifications.Store
	publisher *recordingPublisher
	db        *gorm.DB
}

func newSocialFixture(t *testing.T) socialFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "social.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(Models(), &notifications.Notification{}, &guards.SequenceCounter{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := notifications.NewStore(notifications.StoreConfig{Database: db, Directory: everyoneExists{}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:      db,
		Publisher:     publisher,
		Notifications: store,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return socialFixture{service: service, store: store, publisher: publisher, db: db}
}

func (f socialFixture) createFeedWithRecord(t *testing.T) (Feed, Record) {
	t.Helper()
	ctx := context.Background()
	feed, err := f.service.CreateFeed(ctx, "owner", "Lisbon in May")
	if err != nil {
		t.Fatalf("create feed failed: %v", err)
	}
	record, err := f.service.CreateRecord(ctx, "owner", feed.ID, "Tram 28", time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create record failed: %v", err)
	}
	return feed, record
}

func TestConcurrentInvitationsProduceSingleEvent(t *testing.T) {
	f := newSocialFixture(t)
	feed, _ := f.createFeedWithRecord(t)

	const callers = 12
	outcomes := make(chan guards.Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.service.InviteToFeed(context.Background(), "owner", feed.ID, "guest")
			if err != nil {
				t.Errorf("invite failed: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	created := 0
	for outcome := range outcomes {
		if outcome == guards.OutcomeCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one created invitation, got %d", created)
	}
	var rows int64
	if err := f.db.Model(&FeedInvitation{}).Where("feed_id = ?", feed.ID).Count(&rows).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one invitation row, got %d", rows)
	}
	published := f.publisher.published()
	if len(published) != 1 {
		t.Fatalf("expected one invitation event, got %d", len(published))
	}
	event := published[0]
	if event.Kind != notifications.KindFeedInvitation || event.RecipientID != "guest" || event.Payload.FeedID != feed.ID {
		t.Fatalf("unexpected invitation event %#v", event)
	}
}

func TestInviteRequiresFeedOwner(t *testing.T) {
	f := newSocialFixture(t)
	feed, _ := f.createFeedWithRecord(t)
	ctx := context.Background()

	if _, err := f.service.InviteToFeed(ctx, "stranger", feed.ID, "guest"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.service.InviteToFeed(ctx, "owner", "missing-feed", "guest"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected feed not found, got %v", err)
	}
	if _, err := f.service.InviteToFeed(ctx, "owner", feed.ID, "owner"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for self invitation, got %v", err)
	}
	if len(f.publisher.published()) != 0 {
		t.Fatalf("rejected invitations must not publish")
	}
}

func TestConcurrentLikesProduceSingleEvent(t *testing.T) {
	f := newSocialFixture(t)
	_, record := f.createFeedWithRecord(t)

	const callers = 12
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.Like(context.Background(), "fan", record.ID); err != nil {
				t.Errorf("like failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var rows int64
	if err := f.db.Model(&Like{}).Where("record_id = ?", record.ID).Count(&rows).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one like row, got %d", rows)
	}
	published := f.publisher.published()
	if len(published) != 1 {
		t.Fatalf("expected one like event, got %d", len(published))
	}
	if published[0].Kind != notifications.KindRecordLike || published[0].RecipientID != "owner" || published[0].ActorID != "fan" {
		t.Fatalf("unexpected like event %#v", published[0])
	}
}

func TestToggleLikeAlternates(t *testing.T) {
	f := newSocialFixture(t)
	_, record := f.createFeedWithRecord(t)
	ctx := context.Background()

	expected := []bool{true, false, true}
	for i, want := range expected {
		liked, err := f.service.ToggleLike(ctx, "fan", record.ID)
		if err != nil {
			t.Fatalf("toggle %d failed: %v", i, err)
		}
		if liked != want {
			t.Fatalf("toggle %d: expected liked=%v, got %v", i, want, liked)
		}
	}
	if len(f.publisher.published()) != 2 {
		t.Fatalf("expected an event for each like, got %d", len(f.publisher.published()))
	}
	if _, err := f.service.ToggleLike(ctx, "fan", "missing-record"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
}

func TestCreateRecordAssignsSequencePerFeedAndDay(t *testing.T) {
	f := newSocialFixture(t)
	feed, first := f.createFeedWithRecord(t)
	ctx := context.Background()
	sameDay := time.Date(2024, 5, 3, 18, 0, 0, 0, time.UTC)
	nextDay := time.Date(2024, 5, 4, 8, 0, 0, 0, time.UTC)

	second, err := f.service.CreateRecord(ctx, "owner", feed.ID, "Sunset at Miradouro", sameDay)
	if err != nil {
		t.Fatalf("create record failed: %v", err)
	}
	other, err := f.service.CreateRecord(ctx, "owner", feed.ID, "Sintra", nextDay)
	if err != nil {
		t.Fatalf("create record failed: %v", err)
	}
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected sequences 1 and 2 within the day, got %d and %d", first.Sequence, second.Sequence)
	}
	if other.Sequence != 1 || other.Day != "2024-05-04" {
		t.Fatalf("expected a fresh sequence for the next day, got %d on %s", other.Sequence, other.Day)
	}
	if _, err := f.service.CreateRecord(ctx, "owner", "missing-feed", "Nowhere", sameDay); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected feed not found, got %v", err)
	}
}

func TestCreateCommentPublishesExcerpt(t *testing.T) {
	f := newSocialFixture(t)
	feed, record := f.createFeedWithRecord(t)

	body := "The pastéis de nata near the monastery were worth the queue"
	comment, err := f.service.CreateComment(context.Background(), "friend", record.ID, body)
	if err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	published := f.publisher.published()
	if len(published) != 1 {
		t.Fatalf("expected one comment event, got %d", len(published))
	}
	payload := published[0].Payload
	if payload.CommentID != comment.ID || payload.RecordID != record.ID || payload.FeedID != feed.ID {
		t.Fatalf("unexpected comment payload %#v", payload)
	}
	if payload.CommentExcerpt != "The pastéis de nata near the m..." {
		t.Fatalf("unexpected excerpt %q", payload.CommentExcerpt)
	}
}

func TestDeleteRecordCascadesNotifications(t *testing.T) {
	f := newSocialFixture(t)
	_, record := f.createFeedWithRecord(t)
	ctx := context.Background()
	if _, err := f.store.Create(ctx, notifications.CreateRequest{
		RecipientID: "owner",
		ActorID:     "fan",
		Kind:        notifications.KindRecordLike,
		Payload:     notifications.Payload{RecordID: record.ID},
	}); err != nil {
		t.Fatalf("seed notification failed: %v", err)
	}

	if err := f.service.DeleteRecord(ctx, "stranger", record.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := f.service.DeleteRecord(ctx, "owner", record.ID); err != nil {
		t.Fatalf("delete record failed: %v", err)
	}
	hasUnread, err := f.store.HasUnread(ctx, "owner")
	if err != nil {
		t.Fatalf("has unread failed: %v", err)
	}
	if hasUnread {
		t.Fatalf("expected notifications about the record to be hidden")
	}
	if _, err := f.service.Like(ctx, "fan", record.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected deleted record to be unavailable, got %v", err)
	}
}

func TestDeleteFeedCascadesRecordsAndNotifications(t *testing.T) {
	f := newSocialFixture(t)
	feed, record := f.createFeedWithRecord(t)
	ctx := context.Background()
	seeds := []notifications.CreateRequest{
		{RecipientID: "guest", ActorID: "owner", Kind: notifications.KindFeedInvitation, Payload: notifications.Payload{FeedID: feed.ID}},
		{RecipientID: "owner", ActorID: "fan", Kind: notifications.KindComment, Payload: notifications.Payload{RecordID: record.ID, CommentID: "c-1"}},
		{RecipientID: "owner", Kind: notifications.KindSystem, Payload: notifications.Payload{CommentExcerpt: "unrelated"}},
	}
	for _, seed := range seeds {
		if _, err := f.store.Create(ctx, seed); err != nil {
			t.Fatalf("seed notification failed: %v", err)
		}
	}

	if err := f.service.DeleteFeed(ctx, "owner", feed.ID); err != nil {
		t.Fatalf("delete feed failed: %v", err)
	}

	var visible []notifications.Notification
	if err := f.db.Find(&visible).Error; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(visible) != 1 || visible[0].Kind != notifications.KindSystem {
		t.Fatalf("expected only the unrelated notification to remain, got %#v", visible)
	}
	var liveRecords int64
	if err := f.db.Model(&Record{}).Where("feed_id = ?", feed.ID).Count(&liveRecords).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if liveRecords != 0 {
		t.Fatalf("expected feed records to be deleted, got %d", liveRecords)
	}
}

// withQueuedDelivery swaps the recording publisher for a bus that is only drained
// when the returned function runs, so events can sit in the queue across a delete.
func (f *socialFixture) withQueuedDelivery(t *testing.T) func() {
	t.Helper()
	bus := events.NewBus(16, nil)
	service, err := NewService(ServiceConfig{Database: f.db, Publisher: bus, Notifications: f.store})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	dispatcher, err := delivery.NewDispatcher(delivery.Config{
		Store:      f.store,
		Registry:   realtime.NewRegistry(4),
		References: service,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	bus.Subscribe(dispatcher.Handle)
	f.service = service
	return func() {
		bus.Close()
		bus.Run(context.Background())
	}
}

func TestQueuedEventsForDeletedRecordNeverSurface(t *testing.T) {
	f := newSocialFixture(t)
	drain := f.withQueuedDelivery(t)
	_, record := f.createFeedWithRecord(t)
	ctx := context.Background()

	if _, err := f.service.Like(ctx, "fan", record.ID); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	if _, err := f.service.CreateComment(ctx, "fan", record.ID, "Ride it twice"); err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	if err := f.service.DeleteRecord(ctx, "owner", record.ID); err != nil {
		t.Fatalf("delete record failed: %v", err)
	}
	drain()

	page, err := f.store.List(ctx, notifications.ListQuery{UserID: "owner"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.Total != 0 || len(page.Items) != 0 {
		t.Fatalf("expected no notifications for the deleted record, got %#v", page.Items)
	}
}

func TestQueuedInvitationForDeletedFeedNeverSurfaces(t *testing.T) {
	f := newSocialFixture(t)
	drain := f.withQueuedDelivery(t)
	feed, _ := f.createFeedWithRecord(t)
	ctx := context.Background()

	if _, err := f.service.InviteToFeed(ctx, "owner", feed.ID, "guest"); err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if err := f.service.DeleteFeed(ctx, "owner", feed.ID); err != nil {
		t.Fatalf("delete feed failed: %v", err)
	}
	drain()

	hasUnread, err := f.store.HasUnread(ctx, "guest")
	if err != nil {
		t.Fatalf("has unread failed: %v", err)
	}
	if hasUnread {
		t.Fatalf("expected the invitation to the deleted feed to be withdrawn")
	}
}

func TestQueuedLikeForLiveRecordIsDelivered(t *testing.T) {
	f := newSocialFixture(t)
	drain := f.withQueuedDelivery(t)
	_, record := f.createFeedWithRecord(t)
	ctx := context.Background()

	if _, err := f.service.Like(ctx, "fan", record.ID); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	drain()

	page, err := f.store.List(ctx, notifications.ListQuery{UserID: "owner"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Kind != notifications.KindRecordLike {
		t.Fatalf("expected one like notification, got %#v", page.Items)
	}
}

func TestReferencesLiveIgnoresEmptyIDs(t *testing.T) {
	f := newSocialFixture(t)
	live, err := f.service.ReferencesLive(context.Background(), notifications.Payload{})
	if err != nil {
		t.Fatalf("references live failed: %v", err)
	}
	if !live {
		t.Fatalf("expected a payload without references to be live")
	}
	live, err = f.service.ReferencesLive(context.Background(), notifications.Payload{RecordID: "missing"})
	if err != nil {
		t.Fatalf("references live failed: %v", err)
	}
	if live {
		t.Fatalf("expected an unknown record to be reported as gone")
	}
}
