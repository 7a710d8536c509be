package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatsync/internal/cache"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/remote"
)

const testToken = "tok"

type fakeAPI struct {
	mu    sync.Mutex
	chats map[string]models.Chat
	saved []string

	calls atomic.Int32

	// forceStatus, when set, is returned for every request.
	forceStatus atomic.Int32
	failSaves   atomic.Bool

	listGate    chan struct{}
	listEntered chan struct{}
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{chats: map[string]models.Chat{}}

	router := mux.NewRouter()
	router.HandleFunc("/api/chats", api.list).Methods(http.MethodGet)
	router.HandleFunc("/api/chats", api.save).Methods(http.MethodPost)
	router.HandleFunc("/api/chats/{id}", api.delete).Methods(http.MethodDelete)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.calls.Add(1)
		if status := api.forceStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: http.StatusText(int(status))})
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	return api, server
}

func (a *fakeAPI) list(w http.ResponseWriter, r *http.Request) {
	if a.listGate != nil {
		select {
		case a.listEntered <- struct{}{}:
		default:
		}
		<-a.listGate
	}

	a.mu.Lock()
	out := make([]models.Chat, 0, len(a.chats))
	for _, c := range a.chats {
		out = append(out, c)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	json.NewEncoder(w).Encode(models.ChatsResponse{Chats: out})
}

func (a *fakeAPI) save(w http.ResponseWriter, r *http.Request) {
	if a.failSaves.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var chat models.Chat
	if err := json.NewDecoder(r.Body).Decode(&chat); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.chats[chat.ID] = chat
	a.saved = append(a.saved, chat.ID)
	a.mu.Unlock()
	json.NewEncoder(w).Encode(models.SaveChatResponse{Message: "Chat saved", Chat: &chat})
}

func (a *fakeAPI) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.chats[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(a.chats, id)
	json.NewEncoder(w).Encode(map[string]string{"message": "Chat deleted"})
}

func (a *fakeAPI) put(chat models.Chat) {
	a.mu.Lock()
	a.chats[chat.ID] = chat
	a.mu.Unlock()
}

func (a *fakeAPI) get(id string) (models.Chat, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.chats[id]
	return c, ok
}

type fakeSession struct {
	mu          sync.Mutex
	token       string
	online      bool
	invalidated int
	notes       []string
	rec         *Reconciler
}

func (s *fakeSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *fakeSession) Invalidate(ctx context.Context) {
	s.mu.Lock()
	s.token = ""
	s.invalidated++
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		rec.Reset()
	}
}

func (s *fakeSession) Notify(level Severity, msg string) {
	s.mu.Lock()
	s.notes = append(s.notes, msg)
	s.mu.Unlock()
}

func (s *fakeSession) setOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

type fixture struct {
	api     *fakeAPI
	store   *cache.Store
	session *fakeSession
	rec     *Reconciler
}

func setup(t *testing.T, online bool) *fixture {
	t.Helper()

	api, server := newFakeAPI(t)

	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := cache.NewStore(db)

	session := &fakeSession{token: testToken, online: online}
	rec := New(remote.NewClient(server.URL, remote.WithTimeout(5*time.Second)), store, session)
	session.rec = rec

	return &fixture{api: api, store: store, session: session, rec: rec}
}

func chat(id string, ts int64, contents ...string) models.Chat {
	c := models.Chat{ID: id, Title: id, Messages: []models.Message{}, Timestamp: ts}
	for _, content := range contents {
		c.Messages = append(c.Messages, models.Message{Role: models.RoleUser, Content: content, Timestamp: ts})
	}
	return c
}

func ids(chats []models.Chat) []string {
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = c.ID
	}
	return out
}

func TestSaveOfflineIsIdempotent(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	c := chat("c1", 100, "hello")
	assert.Equal(t, SavedLocal, f.rec.Save(ctx, c))

	c.Append(time.UnixMilli(200), models.Message{Role: models.RoleAssistant, Content: "hi", Timestamp: 200})
	assert.Equal(t, SavedLocal, f.rec.Save(ctx, c))

	cached, err := f.store.Chats()
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "c1", cached[0].ID)
	assert.Len(t, cached[0].Messages, 2)
	assert.Equal(t, int64(200), cached[0].Timestamp)

	assert.Equal(t, int32(0), f.api.calls.Load())
}

func TestSaveMovesChatToFront(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	f.rec.Save(ctx, chat("a", 1))
	f.rec.Save(ctx, chat("b", 2))
	f.rec.Save(ctx, chat("a", 3))

	assert.Equal(t, []string{"a", "b"}, ids(f.rec.Chats()))
	cached, _ := f.store.Chats()
	assert.Equal(t, []string{"a", "b"}, ids(cached))
}

func TestSyncLastWriterWins(t *testing.T) {
	ctx := context.Background()

	t.Run("remote newer", func(t *testing.T) {
		f := setup(t, true)
		require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 100, "local")}))
		f.api.put(chat("c1", 200, "remote"))

		result := f.rec.Sync(ctx)

		assert.Equal(t, SyncCompleted, result.Status)
		assert.Equal(t, 0, result.Pushed)
		require.Len(t, result.Chats, 1)
		assert.Equal(t, "remote", result.Chats[0].Messages[0].Content)
		assert.Empty(t, f.api.saved)
	})

	t.Run("local newer", func(t *testing.T) {
		f := setup(t, true)
		require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 300, "local")}))
		f.api.put(chat("c1", 200, "remote"))

		result := f.rec.Sync(ctx)

		assert.Equal(t, SyncCompleted, result.Status)
		assert.Equal(t, 1, result.Pushed)
		require.Len(t, result.Chats, 1)
		assert.Equal(t, "local", result.Chats[0].Messages[0].Content)

		onServer, ok := f.api.get("c1")
		require.True(t, ok)
		assert.Equal(t, int64(300), onServer.Timestamp)
	})

	t.Run("equal timestamps keep server copy", func(t *testing.T) {
		f := setup(t, true)
		require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 200, "local")}))
		f.api.put(chat("c1", 200, "remote"))

		result := f.rec.Sync(ctx)

		assert.Empty(t, f.api.saved)
		assert.Equal(t, "remote", result.Chats[0].Messages[0].Content)
	})
}

func TestAuthRejectionInvalidatesSession(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 100)}))
	f.api.forceStatus.Store(http.StatusUnauthorized)

	result := f.rec.Load(ctx)

	assert.Equal(t, LoadUnauthorized, result.Status)
	assert.Empty(t, result.Chats)
	assert.Equal(t, 1, f.session.invalidated)
	assert.Equal(t, "", f.session.Token())

	cached, _ := f.store.Chats()
	assert.Len(t, cached, 1, "cached chats are left for a later login")
}

func TestSaveAndDeleteAuthRejection(t *testing.T) {
	ctx := context.Background()

	f := setup(t, true)
	f.api.forceStatus.Store(http.StatusUnauthorized)
	assert.Equal(t, SaveUnauthorized, f.rec.Save(ctx, chat("c1", 1)))
	assert.Equal(t, 1, f.session.invalidated)

	f = setup(t, true)
	f.api.forceStatus.Store(http.StatusUnauthorized)
	assert.False(t, f.rec.Delete(ctx, "c1"))
	assert.Equal(t, 1, f.session.invalidated)
}

func TestSyncIsExclusive(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.api.listGate = make(chan struct{})
	f.api.listEntered = make(chan struct{}, 1)

	done := make(chan SyncResult)
	go func() {
		done <- f.rec.Sync(ctx)
	}()

	select {
	case <-f.api.listEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never reached the server")
	}
	before := f.api.calls.Load()

	second := f.rec.Sync(ctx)
	assert.Equal(t, SyncSkipped, second.Status)
	assert.Equal(t, before, f.api.calls.Load())

	close(f.api.listGate)
	first := <-done
	assert.Equal(t, SyncCompleted, first.Status)

	// The guard is released afterwards.
	assert.Equal(t, SyncCompleted, f.rec.Sync(ctx).Status)
}

func TestSaveDuringSyncIsNotLost(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.SetChats([]models.Chat{chat("offline", 100, "draft")}))

	f.api.listGate = make(chan struct{})
	f.api.listEntered = make(chan struct{}, 1)

	done := make(chan SyncResult)
	go func() {
		done <- f.rec.Sync(ctx)
	}()

	// Let the base load through, then hold the final load.
	for i := 0; i < 2; i++ {
		select {
		case <-f.api.listEntered:
		case <-time.After(5 * time.Second):
			t.Fatalf("sync never reached list call %d", i+1)
		}
		if i == 0 {
			f.api.listGate <- struct{}{}
		}
	}

	f.api.failSaves.Store(true)
	saved := make(chan SaveOutcome)
	go func() {
		saved <- f.rec.Save(ctx, chat("typed-during-sync", 200, "hello"))
	}()

	select {
	case <-saved:
		t.Fatal("save must wait for the running sync")
	case <-time.After(100 * time.Millisecond):
	}

	close(f.api.listGate)
	result := <-done
	assert.Equal(t, SyncCompleted, result.Status)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, SaveDegraded, <-saved)

	assert.Contains(t, ids(f.rec.Chats()), "typed-during-sync")
	cached, err := f.store.Chats()
	require.NoError(t, err)
	assert.Contains(t, ids(cached), "typed-during-sync")
	assert.True(t, f.rec.NeedsSync())

	f.api.failSaves.Store(false)
	assert.Equal(t, 1, f.rec.Sync(ctx).Pushed)
	_, ok := f.api.get("typed-during-sync")
	assert.True(t, ok)
}

func TestLoadOfflineUsesCacheOnly(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	snapshot := []models.Chat{chat("b", 2, "x"), chat("a", 1)}
	require.NoError(t, f.store.SetChats(snapshot))

	result := f.rec.Load(ctx)

	assert.Equal(t, LoadLocal, result.Status)
	assert.Equal(t, snapshot, result.Chats)
	assert.Equal(t, int32(0), f.api.calls.Load())
}

func TestLoadWithoutTokenUsesCacheOnly(t *testing.T) {
	f := setup(t, true)
	f.session.token = ""

	result := f.rec.Load(context.Background())

	assert.Equal(t, LoadLocal, result.Status)
	assert.Equal(t, int32(0), f.api.calls.Load())
}

func TestLoadDegradedFallsBackToCache(t *testing.T) {
	f := setup(t, true)
	require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 100)}))
	f.api.forceStatus.Store(http.StatusInternalServerError)

	result := f.rec.Load(context.Background())

	assert.Equal(t, LoadDegraded, result.Status)
	assert.Equal(t, []string{"c1"}, ids(result.Chats))
	assert.True(t, f.rec.NeedsSync())
	assert.Len(t, f.session.notes, 1)
	assert.Equal(t, 0, f.session.invalidated)
}

func TestSyncPushesChatMissingOnServer(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 100, "hi")}))

	result := f.rec.Sync(ctx)

	assert.Equal(t, SyncCompleted, result.Status)
	assert.Equal(t, []string{"c1"}, f.api.saved)
	assert.Contains(t, ids(f.rec.Load(ctx).Chats), "c1")
}

func TestOfflineSaveIsPushedAfterReconnect(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	assert.Equal(t, SavedLocal, f.rec.Save(ctx, chat("c1", 100, "offline")))
	assert.Equal(t, int32(0), f.api.calls.Load())

	cached, _ := f.store.Chats()
	assert.Equal(t, []string{"c1"}, ids(cached))

	f.session.setOnline(true)
	result := f.rec.Sync(ctx)

	assert.Equal(t, 1, result.Pushed)
	_, ok := f.api.get("c1")
	assert.True(t, ok)
}

func TestSyncKeepsChatsThatFailedToPush(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 100)}))
	f.api.put(chat("c2", 50))
	f.api.failSaves.Store(true)

	result := f.rec.Sync(ctx)

	assert.Equal(t, SyncCompleted, result.Status)
	assert.Equal(t, 1, result.Failed)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids(result.Chats))
	assert.True(t, f.rec.NeedsSync())

	cached, _ := f.store.Chats()
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids(cached))

	f.api.failSaves.Store(false)
	result = f.rec.Sync(ctx)
	assert.Equal(t, 1, result.Pushed)
	assert.False(t, f.rec.NeedsSync())
}

func TestSyncAbortsWhenServerUnreachable(t *testing.T) {
	f := setup(t, true)
	require.NoError(t, f.store.SetChats([]models.Chat{chat("c1", 100)}))
	f.api.forceStatus.Store(http.StatusBadGateway)

	result := f.rec.Sync(context.Background())

	assert.Equal(t, SyncAborted, result.Status)
	assert.Equal(t, []string{"c1"}, ids(result.Chats))
	assert.True(t, f.rec.NeedsSync())
}

func TestDeleteContract(t *testing.T) {
	ctx := context.Background()

	t.Run("offline", func(t *testing.T) {
		f := setup(t, false)
		f.rec.Save(ctx, chat("c1", 1))

		assert.False(t, f.rec.Delete(ctx, "c1"))
		assert.Equal(t, int32(0), f.api.calls.Load())
		assert.Len(t, f.rec.Chats(), 1, "delete never touches local state")
	})

	t.Run("online confirmed", func(t *testing.T) {
		f := setup(t, true)
		f.api.put(chat("c1", 1))

		assert.True(t, f.rec.Delete(ctx, "c1"))
		_, ok := f.api.get("c1")
		assert.False(t, ok)
	})

	t.Run("online unknown id", func(t *testing.T) {
		f := setup(t, true)

		assert.False(t, f.rec.Delete(ctx, "missing"))
		assert.Len(t, f.session.notes, 1)
	})
}

func TestRemoveLocal(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	f.rec.Save(ctx, chat("a", 1))
	f.rec.Save(ctx, chat("b", 2))

	f.rec.RemoveLocal("a")

	assert.Equal(t, []string{"b"}, ids(f.rec.Chats()))
	cached, _ := f.store.Chats()
	assert.Equal(t, []string{"b"}, ids(cached))
	_, ok := f.rec.Chat("a")
	assert.False(t, ok)
}

func TestOutdated(t *testing.T) {
	local := []models.Chat{chat("new", 5), chat("newer", 9), chat("older", 1), chat("same", 4)}
	server := []models.Chat{chat("newer", 8), chat("older", 2), chat("same", 4)}

	assert.Equal(t, []string{"new", "newer"}, ids(Outdated(local, server)))
	assert.Empty(t, Outdated(nil, server))
}
