// Package repotest holds the behavioural suite every repo.Store backend
// must pass. Backend packages call Run from their own tests.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
)

// Factory returns a fresh, initialized and fully migrated store.
type Factory func(t *testing.T) repo.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, st repo.Store)
	}{
		{"ReviewUpsertReplacesMutableFields", testReviewUpsert},
		{"WatermarkBoundaries", testWatermark},
		{"LatestReviewModifiedAt", testLatestModified},
		{"RoomMappingUniqueness", testRoomUniqueness},
		{"PrimaryRoomUniqueIndex", testPrimaryRoomIndex},
		{"MessageMappingUniqueness", testMessageUniqueness},
		{"OneReviewAndReplyMappingPerReview", testOneMappingPerKind},
		{"RoomDeleteCascades", testRoomDeleteCascades},
		{"UserMappingTouchAndRetention", testUserMappingRetention},
		{"ChatMessageUpsert", testChatMessageUpsert},
		{"AppConfigUpsert", testAppConfigUpsert},
		{"PollStateUpsert", testPollStateUpsert},
		{"MaintenanceLogIDs", testMaintenanceLog},
		{"ReplyQueueLifecycle", testReplyQueue},
		{"TransactionRollback", testTxRollback},
		{"RawQueryAndExec", testRawQuery},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func sampleReview(id string, modified time.Time) *domain.ReviewRecord {
	return &domain.ReviewRecord{
		ReviewID:       id,
		AppID:          "com.example.app",
		AuthorName:     "Alice",
		Text:           strp("Great app"),
		StarRating:     5,
		LanguageCode:   strp("en"),
		CreatedAt:      modified.Add(-time.Hour),
		LastModifiedAt: modified,
	}
}

func mustRoom(t *testing.T, st repo.Store, appID, roomID string, primary bool) *domain.RoomMapping {
	t.Helper()
	m := &domain.RoomMapping{
		ID:             uuid.NewString(),
		AppID:          appID,
		ChatRoomID:     roomID,
		AppDisplayName: "Example",
		RoomKind:       domain.RoomKindReviews,
		IsPrimary:      primary,
		Config:         domain.JSONDoc(`{"notify_on_reply":true}`),
	}
	if err := st.CreateRoomMapping(context.Background(), m); err != nil {
		t.Fatalf("CreateRoomMapping(%s): %v", roomID, err)
	}
	return m
}

func messageMapping(reviewID, eventID, roomID string, kind domain.MessageKind) *domain.MessageMapping {
	return &domain.MessageMapping{
		ID:               uuid.NewString(),
		ExternalReviewID: reviewID,
		ChatEventID:      eventID,
		ChatRoomID:       roomID,
		Kind:             kind,
		AppID:            "com.example.app",
	}
}

var timeApprox = cmpopts.EquateApproxTime(time.Millisecond)

func testReviewUpsert(t *testing.T, st repo.Store) {
	ctx := context.Background()
	r := sampleReview("r1", base)
	if err := st.UpsertReview(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	replied := base.Add(2 * time.Hour)
	updated := &domain.ReviewRecord{
		ReviewID:        "r1",
		AppID:           "com.example.app",
		AuthorName:      "Alice B.",
		Text:            strp("Actually crashes"),
		StarRating:      2,
		Device:          strp("pixel7"),
		AppVersionCode:  func() *int64 { v := int64(42); return &v }(),
		CreatedAt:       r.CreatedAt,
		LastModifiedAt:  base.Add(3 * time.Hour),
		HasReply:        true,
		ReplyText:       strp("Thanks, fixed in 1.2"),
		ReplyCreatedAt:  &replied,
		ReplyModifiedAt: &replied,
	}
	if err := st.UpsertReview(ctx, updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := st.GetReview(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if diff := cmp.Diff(updated, got, timeApprox); diff != "" {
		t.Fatalf("review mismatch (-want +got):\n%s", diff)
	}
	if n, _ := st.CountReviews(ctx, "com.example.app"); n != 1 {
		t.Fatalf("expected one row after upsert, got %d", n)
	}
	if _, err := st.GetReview(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testWatermark(t *testing.T, st repo.Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d"} {
		if err := st.UpsertReview(ctx, sampleReview(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	other := sampleReview("x", base.Add(10*time.Minute))
	other.AppID = "com.other"
	if err := st.UpsertReview(ctx, other); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	got, err := st.GetReviewsModifiedSince(ctx, "com.example.app", base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("GetReviewsModifiedSince: %v", err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ReviewID)
		if r.LastModifiedAt.Before(base.Add(time.Minute)) {
			t.Fatalf("returned review %s older than watermark", r.ReviewID)
		}
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}

	limited, err := st.GetReviewsModifiedSince(ctx, "com.example.app", base, 2)
	if err != nil || len(limited) != 2 || limited[0].ReviewID != "a" {
		t.Fatalf("limit: %v %v", limited, err)
	}
}

func testLatestModified(t *testing.T, st repo.Store) {
	ctx := context.Background()
	wm, err := st.LatestReviewModifiedAt(ctx, "com.example.app")
	if err != nil || wm != nil {
		t.Fatalf("empty app watermark = %v, %v", wm, err)
	}
	_ = st.UpsertReview(ctx, sampleReview("r1", base))
	_ = st.UpsertReview(ctx, sampleReview("r2", base.Add(90*time.Second)))
	wm, err = st.LatestReviewModifiedAt(ctx, "com.example.app")
	if err != nil || wm == nil {
		t.Fatalf("watermark: %v %v", wm, err)
	}
	if !wm.Equal(base.Add(90 * time.Second)) {
		t.Fatalf("watermark = %v", wm)
	}
}

func testRoomUniqueness(t *testing.T, st repo.Store) {
	ctx := context.Background()
	mustRoom(t, st, "com.example.app", "!room:a", false)
	dup := &domain.RoomMapping{
		ID: uuid.NewString(), AppID: "com.other", ChatRoomID: "!room:a",
		AppDisplayName: "Other", RoomKind: domain.RoomKindAdmin,
	}
	if err := st.CreateRoomMapping(ctx, dup); !errors.Is(err, repo.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
}

func testPrimaryRoomIndex(t *testing.T, st repo.Store) {
	ctx := context.Background()
	mustRoom(t, st, "com.example.app", "!room:a", true)
	second := &domain.RoomMapping{
		ID: uuid.NewString(), AppID: "com.example.app", ChatRoomID: "!room:b",
		AppDisplayName: "Example", RoomKind: domain.RoomKindReviews, IsPrimary: true,
	}
	if err := st.CreateRoomMapping(ctx, second); !errors.Is(err, repo.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation for second primary, got %v", err)
	}
	second.IsPrimary = false
	if err := st.CreateRoomMapping(ctx, second); err != nil {
		t.Fatalf("non-primary insert: %v", err)
	}
	p, err := st.FindPrimaryRoom(ctx, "com.example.app", domain.RoomKindReviews)
	if err != nil || p.ChatRoomID != "!room:a" {
		t.Fatalf("FindPrimaryRoom = %v, %v", p, err)
	}
	if string(p.Config) == "" {
		t.Fatalf("config document lost")
	}
}

func testMessageUniqueness(t *testing.T, st repo.Store) {
	ctx := context.Background()
	mustRoom(t, st, "com.example.app", "!room:a", true)
	if err := st.CreateMessageMapping(ctx, messageMapping("r1", "$ev1", "!room:a", domain.MessageKindReview)); err != nil {
		t.Fatalf("first: %v", err)
	}
	err := st.CreateMessageMapping(ctx, messageMapping("r2", "$ev1", "!room:a", domain.MessageKindReview))
	if !errors.Is(err, repo.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	got, err := st.GetMessageMappingByEvent(ctx, "$ev1")
	if err != nil || got.ExternalReviewID != "r1" {
		t.Fatalf("GetMessageMappingByEvent = %v, %v", got, err)
	}
	n, err := st.CountMessageMappings(ctx, "r1", domain.MessageKindReview)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
	if _, err := st.FindMessageMapping(ctx, "r1", domain.MessageKindReply); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for reply kind, got %v", err)
	}
}

func testOneMappingPerKind(t *testing.T, st repo.Store) {
	ctx := context.Background()
	mustRoom(t, st, "com.example.app", "!room:a", true)
	for _, kind := range []domain.MessageKind{domain.MessageKindReview, domain.MessageKindReply} {
		if err := st.CreateMessageMapping(ctx, messageMapping("r1", "$first_"+string(kind), "!room:a", kind)); err != nil {
			t.Fatalf("first %s: %v", kind, err)
		}
		err := st.CreateMessageMapping(ctx, messageMapping("r1", "$second_"+string(kind), "!room:a", kind))
		if !errors.Is(err, repo.ErrConstraintViolation) {
			t.Fatalf("second %s mapping: expected ErrConstraintViolation, got %v", kind, err)
		}
		if n, err := st.CountMessageMappings(ctx, "r1", kind); err != nil || n != 1 {
			t.Fatalf("%s count = %d, %v", kind, n, err)
		}
	}
	for _, ev := range []string{"$notice1", "$notice2"} {
		if err := st.CreateMessageMapping(ctx, messageMapping("r1", ev, "!room:a", domain.MessageKindNotification)); err != nil {
			t.Fatalf("notification %s: %v", ev, err)
		}
	}
	if n, err := st.CountMessageMappings(ctx, "r1", domain.MessageKindNotification); err != nil || n != 2 {
		t.Fatalf("notification count = %d, %v", n, err)
	}
}

func testRoomDeleteCascades(t *testing.T, st repo.Store) {
	ctx := context.Background()
	mustRoom(t, st, "com.example.app", "!room:a", true)
	if err := st.CreateMessageMapping(ctx, messageMapping("r1", "$ev1", "!room:a", domain.MessageKindReview)); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if err := st.DeleteRoomMapping(ctx, "!room:a"); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	if _, err := st.GetMessageMappingByEvent(ctx, "$ev1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected cascade delete, got %v", err)
	}
	if err := st.DeleteRoomMapping(ctx, "!room:a"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	// A mapping pointing at an unknown room breaks the foreign key.
	err := st.CreateMessageMapping(ctx, messageMapping("r1", "$ev2", "!ghost", domain.MessageKindReview))
	if !errors.Is(err, repo.ErrConstraintViolation) {
		t.Fatalf("expected foreign key violation, got %v", err)
	}
}

func testUserMappingRetention(t *testing.T, st repo.Store) {
	ctx := context.Background()
	old := &domain.UserMapping{
		ID: uuid.NewString(), ReviewID: "r-old", ChatUserID: "@gp_old:example.org",
		AuthorDisplayName: "Old", AppID: "com.example.app",
		CreatedAt: base.Add(-48 * time.Hour), LastActiveAt: base.Add(-48 * time.Hour),
	}
	fresh := &domain.UserMapping{
		ID: uuid.NewString(), ReviewID: "r-new", ChatUserID: "@gp_new:example.org",
		AuthorDisplayName: "New", AppID: "com.example.app",
		CreatedAt: base.Add(-48 * time.Hour), LastActiveAt: base.Add(-48 * time.Hour),
	}
	for _, m := range []*domain.UserMapping{old, fresh} {
		if err := st.CreateUserMapping(ctx, m); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	dupUser := &domain.UserMapping{
		ID: uuid.NewString(), ReviewID: "r-other", ChatUserID: "@gp_old:example.org",
		AuthorDisplayName: "Dup", AppID: "com.example.app",
	}
	if err := st.CreateUserMapping(ctx, dupUser); !errors.Is(err, repo.ErrConstraintViolation) {
		t.Fatalf("expected chat_user_id uniqueness, got %v", err)
	}

	if err := st.TouchUserMapping(ctx, "r-new", base); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := st.TouchUserMapping(ctx, "missing", base); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound touching missing, got %v", err)
	}
	n, err := st.DeleteUserMappingsInactiveSince(ctx, base.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("retention deleted %d, %v", n, err)
	}
	if _, err := st.GetUserMappingByReview(ctx, "r-old"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("old mapping should be gone, got %v", err)
	}
	got, err := st.GetUserMappingByReview(ctx, "r-new")
	if err != nil || !got.LastActiveAt.Equal(base) {
		t.Fatalf("fresh mapping = %+v, %v", got, err)
	}
}

func testChatMessageUpsert(t *testing.T, st repo.Store) {
	ctx := context.Background()
	m := &domain.ChatMessageRecord{
		EventID: "$e", RoomID: "!r", SenderID: "@bot", Content: domain.JSONDoc(`{"body":"hi"}`),
		Timestamp: base, IsBridgeOriginated: true,
	}
	if err := st.UpsertChatMessage(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	m2 := *m
	m2.Content = domain.JSONDoc(`{"body":"edited"}`)
	m2.IsBridgeOriginated = false
	if err := st.UpsertChatMessage(ctx, &m2); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := st.GetChatMessage(ctx, "$e")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct{ Body string }
	if err := got.Content.Decode(&body); err != nil || body.Body != "edited" || got.IsBridgeOriginated {
		t.Fatalf("unexpected record: %+v (%v)", got, err)
	}
}

func testAppConfigUpsert(t *testing.T, st repo.Store) {
	ctx := context.Background()
	c := &domain.AppConfigRecord{AppID: "com.example.app", ConfigDocument: domain.MustJSONDoc(domain.AppSettings{LookbackDays: 7})}
	if err := st.UpsertAppConfig(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c.ConfigDocument = domain.MustJSONDoc(domain.AppSettings{LookbackDays: 14})
	if err := st.UpsertAppConfig(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.GetAppConfig(ctx, "com.example.app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var s domain.AppSettings
	if err := got.ConfigDocument.Decode(&s); err != nil || s.LookbackDays != 14 {
		t.Fatalf("settings = %+v, %v", s, err)
	}
}

func testPollStateUpsert(t *testing.T, st repo.Store) {
	ctx := context.Background()
	if _, err := st.GetPollState(ctx, "com.example.app"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	floor := base.Add(-time.Hour)
	if err := st.UpsertPollState(ctx, &domain.PollState{AppID: "com.example.app", RetryFrom: &floor}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := st.GetPollState(ctx, "com.example.app")
	if err != nil || got.RetryFrom == nil || !got.RetryFrom.Equal(floor) {
		t.Fatalf("state = %+v, %v", got, err)
	}
	if got.RetryFrom.Location() != time.UTC {
		t.Fatalf("retry_from not UTC: %v", got.RetryFrom.Location())
	}

	if err := st.UpsertPollState(ctx, &domain.PollState{AppID: "com.example.app"}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err = st.GetPollState(ctx, "com.example.app")
	if err != nil || got.RetryFrom != nil || got.UpdatedAt.IsZero() {
		t.Fatalf("cleared state = %+v, %v", got, err)
	}
}

func testMaintenanceLog(t *testing.T, st repo.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := &domain.MaintenanceLogEntry{Operation: "cleanup", Details: domain.JSONDoc(`{}`), RowsAffected: int64(i)}
		if err := st.AppendMaintenanceLog(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
		if e.ID == 0 {
			t.Fatalf("expected generated id")
		}
	}
	got, err := st.ListMaintenanceLog(ctx, 2)
	if err != nil || len(got) != 2 || got[0].RowsAffected != 2 {
		t.Fatalf("list = %+v, %v", got, err)
	}
}

func testReplyQueue(t *testing.T, st repo.Store) {
	ctx := context.Background()
	j := &domain.ReplyJob{
		ID: uuid.NewString(), AppID: "com.example.app", ReviewID: "r1", Text: "thanks",
		ChatEventID: "$reply", ChatRoomID: "!room", SenderID: "@dev",
		State: domain.ReplyQueued, NextAttemptAt: base,
	}
	if err := st.CreateReplyJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *j
	dup.ID = uuid.NewString()
	if err := st.CreateReplyJob(ctx, &dup); !errors.Is(err, repo.ErrConstraintViolation) {
		t.Fatalf("expected review_id uniqueness, got %v", err)
	}

	due, err := st.ListDueReplyJobs(ctx, base.Add(-time.Second), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: %v %v", due, err)
	}
	due, err = st.ListDueReplyJobs(ctx, base, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v, %v", due, err)
	}

	j.State = domain.ReplyFailed
	j.NextAttemptAt = base.Add(time.Minute)
	if err := st.UpdateReplyJob(ctx, j); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if due, _ = st.ListDueReplyJobs(ctx, base, 10); len(due) != 0 {
		t.Fatalf("failed job listed before its retry time: %v", due)
	}
	if due, _ = st.ListDueReplyJobs(ctx, base.Add(time.Minute), 10); len(due) != 1 || due[0].State != domain.ReplyFailed {
		t.Fatalf("failed job should be due: %v", due)
	}

	j.State = domain.ReplySending
	j.Attempts = 1
	if err := st.UpdateReplyJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
	n, err := st.ResetSendingReplyJobs(ctx, base.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	got, err := st.GetReplyJobByReview(ctx, "r1")
	if err != nil || got.State != domain.ReplyQueued || got.Attempts != 1 {
		t.Fatalf("after reset = %+v, %v", got, err)
	}

	got.State = domain.ReplyDead
	got.LastError = "http 403"
	if err := st.UpdateReplyJob(ctx, got); err != nil {
		t.Fatalf("update dead: %v", err)
	}
	counts, err := st.CountReplyJobsByState(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := []domain.ReplyStateCount{{AppID: "com.example.app", State: domain.ReplyDead, Count: 1}}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}
	failed, err := st.ListFailedReplyJobs(ctx)
	if err != nil || len(failed) != 1 || failed[0].LastError != "http 403" {
		t.Fatalf("failed = %+v, %v", failed, err)
	}

	missing := &domain.ReplyJob{ID: "nope"}
	if err := st.UpdateReplyJob(ctx, missing); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testTxRollback(t *testing.T, st repo.Store) {
	ctx := context.Background()
	sentinel := errors.New("boom")
	err := st.WithTx(ctx, func(tx repo.Tx) error {
		if err := tx.UpsertReview(ctx, sampleReview("r1", base)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, err := st.GetReview(ctx, "r1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rolled back write is visible: %v", err)
	}

	err = st.WithTx(ctx, func(tx repo.Tx) error {
		return tx.UpsertReview(ctx, sampleReview("r2", base))
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := st.GetReview(ctx, "r2"); err != nil {
		t.Fatalf("committed write missing: %v", err)
	}
}

func testRawQuery(t *testing.T, st repo.Store) {
	ctx := context.Background()
	res, err := st.Exec(ctx, `INSERT INTO maintenance_log (operation, details, rows_affected, created_at) VALUES (?, ?, ?, ?)`,
		"raw", "{}", 7, base)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("rows affected = %d", res.RowsAffected)
	}
	rows, err := st.Query(ctx, `SELECT operation, rows_affected FROM maintenance_log WHERE operation = ?`, "raw")
	if err != nil || len(rows) != 1 {
		t.Fatalf("query = %v, %v", rows, err)
	}
	n, err := repo.AsInt64(rows[0]["rows_affected"])
	if err != nil || n != 7 {
		t.Fatalf("rows_affected = %d, %v", n, err)
	}
}
