package attachment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatechat/internal/apperr"
	"github.com/estatechat/internal/attachment"
	cachememory "github.com/estatechat/internal/cache/memory"
	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/message"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
	"github.com/estatechat/internal/testutil"
	"github.com/estatechat/internal/unread"
)

type fakeFanout struct {
	mu        sync.Mutex
	direct    map[string][]event.Envelope
	broadcast []event.Envelope
}

func newFakeFanout() *fakeFanout { return &fakeFanout{direct: make(map[string][]event.Envelope)} }

func (f *fakeFanout) SendToUser(userID string, env event.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct[userID] = append(f.direct[userID], env)
}

func (f *fakeFanout) BroadcastToConversation(conversationID string, env event.Envelope, excludeUserID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, env)
}

func (f *fakeFanout) IsUserConnected(userID string) bool { return true }

type fakeBlobs struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeBlobs) Remove(stored string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, stored)
}

type noopStream struct{}

func (noopStream) Publish(ctx context.Context, key string, env event.Envelope) {}

type attachEnv struct {
	pool     *pgxpool.Pool
	pipe     *attachment.Pipeline
	fanout   *fakeFanout
	blobs    *fakeBlobs
	uploader string
	other    string
	convID   string
}

func newAttachEnv(t *testing.T, cfg config.EngineConfig) *attachEnv {
	t.Helper()
	pool := testutil.StartPostgres(t)

	msgRepo := repository.NewMessageRepository(pool)
	partRepo := repository.NewParticipantRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	reactRepo := repository.NewReactionRepository(pool)
	readRepo := repository.NewReadRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	attRepo := repository.NewAttachmentRepository(pool)

	fanout := newFakeFanout()
	blobs := &fakeBlobs{}
	cc := cachememory.New()
	syncer := unread.NewSynchronizer(readRepo, fanout)
	msgs := message.NewPipeline(msgRepo, partRepo, userRepo, reactRepo, syncer, cc, fanout, nil, noopStream{}, cfg)
	pipe := attachment.NewPipeline(attRepo, partRepo, msgs, cc, fanout, blobs, cfg)

	uploader := testutil.SeedUser(t, pool, "Марина", model.RoleAgent)
	other := testutil.SeedUser(t, pool, "Павел", model.RoleBuyer)

	c := &model.Conversation{
		ID:             uuid.New().String(),
		Type:           model.ConversationDirect,
		CreatedBy:      uploader,
		LastActivityAt: time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	now := time.Now().UTC()
	err := convRepo.CreateWithParticipants(context.Background(), c, []model.Participant{
		{ConversationID: c.ID, UserID: uploader, Role: model.ParticipantAdmin, JoinedAt: now},
		{ConversationID: c.ID, UserID: other, Role: model.ParticipantMember, JoinedAt: now},
	}, nil)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	return &attachEnv{pool: pool, pipe: pipe, fanout: fanout, blobs: blobs,
		uploader: uploader, other: other, convID: c.ID}
}

func attachConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxUploadSize:           50 << 20,
		UploadSessionTTL:        15 * time.Minute,
		AttachmentTTL:           30 * 24 * time.Hour,
		AttachmentSweepInterval: time.Minute,
		EditWindow:              24 * time.Hour,
		RecentRingSize:          50,
	}
}

func TestRequestUpload(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newAttachEnv(t, attachConfig())
	ctx := context.Background()

	t.Run("issues a handle", func(t *testing.T) {
		s, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, "планировка.png", 2048, "image/PNG")
		if err != nil {
			t.Fatal(err)
		}
		if s.Handle == "" || s.Kind != model.KindImage {
			t.Fatalf("session: %+v", s)
		}
		if s.MimeType != "image/png" {
			t.Fatalf("mime not normalized: %q", s.MimeType)
		}
	})

	t.Run("oversize rejected", func(t *testing.T) {
		_, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, "видео.mp4", 60<<20, "video/mp4")
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("unknown mime rejected", func(t *testing.T) {
		_, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, "script.js", 100, "application/javascript")
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, "   ", 100, "image/png")
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("outsider rejected", func(t *testing.T) {
		outsider := testutil.SeedUser(t, e.pool, "Гость", model.RoleBuyer)
		_, err := e.pipe.RequestUpload(ctx, e.convID, outsider, "фото.jpg", 100, "image/jpeg")
		if apperr.KindOf(err) != apperr.KindAuthorization {
			t.Fatalf("err = %v, want authorization", err)
		}
	})
}

func TestCompleteUpload(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newAttachEnv(t, attachConfig())
	ctx := context.Background()

	s, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, "договор.pdf", 4096, "application/pdf")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("wrong user cannot complete", func(t *testing.T) {
		_, _, err := e.pipe.CompleteUpload(ctx, s.Handle, e.other, "blob.pdf", 4096)
		if apperr.KindOf(err) != apperr.KindAuthorization {
			t.Fatalf("err = %v, want authorization", err)
		}
	})

	t.Run("creates attachment and message", func(t *testing.T) {
		a, m, err := e.pipe.CompleteUpload(ctx, s.Handle, e.uploader, "blob.pdf", 4100)
		if err != nil {
			t.Fatal(err)
		}
		if a.Status != model.AttachmentPending || a.ScanStatus != model.ScanPending {
			t.Fatalf("attachment: %+v", a)
		}
		if a.FileSize != 4100 {
			t.Fatalf("size = %d, want actual upload size", a.FileSize)
		}
		if a.MessageID == nil || *a.MessageID != m.ID {
			t.Fatal("attachment not bound to message")
		}
		if m.Type != model.MessageDocument {
			t.Fatalf("message type %s", m.Type)
		}
		payload, ok := m.Payload.(*model.AttachmentPayload)
		if !ok || payload.AttachmentID != a.ID {
			t.Fatalf("payload: %+v", m.Payload)
		}

		e.fanout.mu.Lock()
		envs := e.fanout.direct[e.uploader]
		e.fanout.mu.Unlock()
		if len(envs) == 0 || envs[len(envs)-1].Type != event.TypeUploadReady {
			t.Fatal("no upload_ready event delivered to uploader")
		}
	})

	t.Run("handle is single use", func(t *testing.T) {
		_, _, err := e.pipe.CompleteUpload(ctx, s.Handle, e.uploader, "blob.pdf", 4100)
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Fatalf("err = %v, want not found", err)
		}
	})

	t.Run("unknown handle", func(t *testing.T) {
		_, _, err := e.pipe.CompleteUpload(ctx, uuid.New().String(), e.uploader, "blob.pdf", 100)
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Fatalf("err = %v, want not found", err)
		}
	})
}

func TestProcessQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newAttachEnv(t, attachConfig())
	ctx := context.Background()

	s, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, "кухня.jpg", 1024, "image/jpeg")
	if err != nil {
		t.Fatal(err)
	}
	a, _, err := e.pipe.CompleteUpload(ctx, s.Handle, e.uploader, "blob.jpg", 1024)
	if err != nil {
		t.Fatal(err)
	}

	e.pipe.ProcessQueue(ctx)

	got, err := e.pipe.Get(ctx, a.ID, e.other)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.AttachmentCompleted || got.ScanStatus != model.ScanClean {
		t.Fatalf("after processing: status=%s scan=%s", got.Status, got.ScanStatus)
	}
	if got.ThumbnailURL == "" {
		t.Fatal("image attachment got no thumbnail")
	}

	e.fanout.mu.Lock()
	var sawCompleted bool
	for _, env := range e.fanout.broadcast {
		if env.Type == event.TypeUploadCompleted {
			sawCompleted = true
		}
	}
	e.fanout.mu.Unlock()
	if !sawCompleted {
		t.Fatal("upload_completed never broadcast")
	}

	// Повторный прогон ничего не находит и не шлёт дубликатов.
	e.fanout.mu.Lock()
	before := len(e.fanout.broadcast)
	e.fanout.mu.Unlock()
	e.pipe.ProcessQueue(ctx)
	e.fanout.mu.Lock()
	after := len(e.fanout.broadcast)
	e.fanout.mu.Unlock()
	if after != before {
		t.Fatal("completed attachment reprocessed")
	}
}

func TestExpireSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	cfg := attachConfig()
	cfg.AttachmentTTL = -time.Hour // всё созданное уже просрочено
	e := newAttachEnv(t, cfg)
	ctx := context.Background()

	s, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, "старое.png", 100, "image/png")
	if err != nil {
		t.Fatal(err)
	}
	a, _, err := e.pipe.CompleteUpload(ctx, s.Handle, e.uploader, "blob.png", 100)
	if err != nil {
		t.Fatal(err)
	}

	e.pipe.ExpireSweep(ctx)

	e.blobs.mu.Lock()
	removed := append([]string(nil), e.blobs.removed...)
	e.blobs.mu.Unlock()
	if len(removed) != 1 || removed[0] != "blob.png" {
		t.Fatalf("removed blobs: %v", removed)
	}

	if _, err := e.pipe.Get(ctx, a.ID, e.uploader); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expired attachment still served: %v", err)
	}
}

func TestListForConversation(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newAttachEnv(t, attachConfig())
	ctx := context.Background()

	for _, name := range []string{"a.png", "b.png"} {
		s, err := e.pipe.RequestUpload(ctx, e.convID, e.uploader, name, 64, "image/png")
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := e.pipe.CompleteUpload(ctx, s.Handle, e.uploader, "blob-"+name, 64); err != nil {
			t.Fatal(err)
		}
	}

	list, err := e.pipe.ListForConversation(ctx, e.convID, e.other, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}

	outsider := testutil.SeedUser(t, e.pool, "Чужой", model.RoleBuyer)
	if _, err := e.pipe.ListForConversation(ctx, e.convID, outsider, 50); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("err = %v, want authorization", err)
	}
}
