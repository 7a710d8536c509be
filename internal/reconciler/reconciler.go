// Package reconciler keeps the client's chat list converged between the local
// cache and the chat API. Conflicts are resolved per chat by timestamp; the
// copy with the greater timestamp wins and the server wins ties.
package reconciler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/observability"
	"github.com/pliu/chatsync/internal/remote"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Session is the part of the session controller the reconciler needs.
type Session interface {
	Token() string
	Online() bool
	// Invalidate is called on any auth rejection from the API.
	Invalidate(ctx context.Context)
	Notify(level Severity, msg string)
}

type API interface {
	ListChats(ctx context.Context, token string) ([]models.Chat, error)
	SaveChat(ctx context.Context, token string, chat models.Chat) (*models.Chat, error)
	DeleteChat(ctx context.Context, token, chatID string) error
}

type Cache interface {
	Chats() ([]models.Chat, error)
	SetChats(chats []models.Chat) error
}

type LoadStatus string

const (
	// LoadLocal means no request was made: offline or signed out.
	LoadLocal        LoadStatus = "local"
	LoadFresh        LoadStatus = "fresh"
	LoadDegraded     LoadStatus = "degraded"
	LoadUnauthorized LoadStatus = "unauthorized"
)

type LoadResult struct {
	Chats  []models.Chat
	Status LoadStatus
}

type SaveOutcome string

const (
	SavedLocal       SaveOutcome = "local"
	SavedRemote      SaveOutcome = "remote"
	SaveDegraded     SaveOutcome = "degraded"
	SaveUnauthorized SaveOutcome = "unauthorized"
)

type SyncStatus string

const (
	SyncSkipped   SyncStatus = "skipped"
	SyncAborted   SyncStatus = "aborted"
	SyncCompleted SyncStatus = "completed"
)

type SyncResult struct {
	Status SyncStatus
	Pushed int
	Failed int
	Chats  []models.Chat
}

type Reconciler struct {
	api     API
	cache   Cache
	session Session

	// op serialises Load, Save, Delete, RemoveLocal and whole Sync passes.
	op sync.Mutex

	mu    sync.Mutex
	chats []models.Chat

	syncing   atomic.Bool
	needsSync atomic.Bool
}

func New(api API, cache Cache, session Session) *Reconciler {
	return &Reconciler{
		api:     api,
		cache:   cache,
		session: session,
		chats:   []models.Chat{},
	}
}

// Load returns the chat list. It never fails: network problems fall back to
// the cached list and auth rejection invalidates the session.
func (r *Reconciler) Load(ctx context.Context) LoadResult {
	r.op.Lock()
	defer r.op.Unlock()
	return r.load(ctx)
}

func (r *Reconciler) load(ctx context.Context) LoadResult {
	token := r.session.Token()
	if !r.session.Online() || token == "" {
		chats := r.cachedChats()
		r.setMemory(chats)
		observability.IncLoad(string(LoadLocal))
		return LoadResult{Chats: cloneAll(chats), Status: LoadLocal}
	}

	chats, err := r.api.ListChats(ctx, token)
	if err != nil {
		if remote.IsUnauthorized(err) {
			log.Printf("[Reconciler] load rejected, invalidating session")
			r.session.Invalidate(ctx)
			observability.IncLoad(string(LoadUnauthorized))
			return LoadResult{Chats: []models.Chat{}, Status: LoadUnauthorized}
		}

		log.Printf("[Reconciler] load failed, using cache error=%v", err)
		r.needsSync.Store(true)
		r.session.Notify(SeverityWarning, "Could not reach the server, showing cached chats")
		cached := r.cachedChats()
		r.setMemory(cached)
		observability.IncLoad(string(LoadDegraded))
		return LoadResult{Chats: cloneAll(cached), Status: LoadDegraded}
	}

	r.setMemory(chats)
	if err := r.cache.SetChats(chats); err != nil {
		log.Printf("[Reconciler] failed to write chat cache error=%v", err)
	}
	observability.IncLoad(string(LoadFresh))
	return LoadResult{Chats: cloneAll(chats), Status: LoadFresh}
}

// Save stores the whole chat locally and, when possible, on the server.
// The chat replaces any entry with the same id and moves to the front.
func (r *Reconciler) Save(ctx context.Context, chat models.Chat) SaveOutcome {
	r.op.Lock()
	defer r.op.Unlock()
	return r.save(ctx, chat)
}

func (r *Reconciler) save(ctx context.Context, chat models.Chat) SaveOutcome {
	r.upsertLocal(chat)

	token := r.session.Token()
	if !r.session.Online() || token == "" {
		return SavedLocal
	}

	if _, err := r.api.SaveChat(ctx, token, chat); err != nil {
		if remote.IsUnauthorized(err) {
			log.Printf("[Reconciler] save rejected chat=%s", chat.ID)
			r.session.Invalidate(ctx)
			return SaveUnauthorized
		}
		log.Printf("[Reconciler] save failed, kept locally chat=%s error=%v", chat.ID, err)
		r.needsSync.Store(true)
		r.session.Notify(SeverityWarning, "Chat saved locally, will sync when the server is reachable")
		return SaveDegraded
	}
	return SavedRemote
}

// Delete removes the chat on the server. It reports true only when the
// server confirmed; it never touches local state. See RemoveLocal.
func (r *Reconciler) Delete(ctx context.Context, chatID string) bool {
	r.op.Lock()
	defer r.op.Unlock()

	token := r.session.Token()
	if !r.session.Online() || token == "" {
		return false
	}

	if err := r.api.DeleteChat(ctx, token, chatID); err != nil {
		if remote.IsUnauthorized(err) {
			r.session.Invalidate(ctx)
			return false
		}
		log.Printf("[Reconciler] delete failed chat=%s error=%v", chatID, err)
		r.session.Notify(SeverityWarning, "Could not delete chat on the server")
		return false
	}
	return true
}

func (r *Reconciler) RemoveLocal(chatID string) {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	r.chats = without(r.chats, chatID)
	r.mu.Unlock()

	if err := r.cache.SetChats(without(r.cachedChats(), chatID)); err != nil {
		log.Printf("[Reconciler] failed to write chat cache error=%v", err)
	}
}

// Sync pushes every cached chat the server lacks or holds an older copy of,
// then reloads. Only one Sync runs at a time; overlapping calls are skipped.
// Other operations issued during a pass wait for it to finish.
func (r *Reconciler) Sync(ctx context.Context) SyncResult {
	if !r.syncing.CompareAndSwap(false, true) {
		log.Printf("[Reconciler] sync already in progress, skipping")
		observability.IncSyncRun(string(SyncSkipped))
		return SyncResult{Status: SyncSkipped}
	}
	defer r.syncing.Store(false)

	r.op.Lock()
	defer r.op.Unlock()

	local := r.cachedChats()

	base := r.load(ctx)
	if base.Status != LoadFresh {
		log.Printf("[Reconciler] sync aborted load=%s", base.Status)
		observability.IncSyncRun(string(SyncAborted))
		return SyncResult{Status: SyncAborted, Chats: base.Chats}
	}

	result := SyncResult{Status: SyncCompleted}
	outdated := Outdated(local, base.Chats)
	var unpushed []models.Chat
	for i, chat := range outdated {
		switch r.save(ctx, chat) {
		case SavedRemote:
			result.Pushed++
			observability.IncSyncPush("pushed")
		case SaveUnauthorized:
			observability.IncSyncPush("unauthorized")
			observability.IncSyncRun(string(SyncAborted))
			// Base load already replaced the cache; put back what was not pushed.
			r.retainCached(outdated[i:])
			r.retainCached(unpushed)
			return SyncResult{Status: SyncAborted, Pushed: result.Pushed, Failed: result.Failed + 1, Chats: []models.Chat{}}
		default:
			result.Failed++
			unpushed = append(unpushed, chat)
			observability.IncSyncPush("failed")
		}
	}

	final := r.load(ctx)
	if final.Status == LoadFresh && len(unpushed) > 0 {
		for _, chat := range unpushed {
			r.upsertLocal(chat)
		}
		r.needsSync.Store(true)
		final.Chats = r.Chats()
	}
	result.Chats = final.Chats
	if final.Status != LoadFresh {
		result.Status = SyncAborted
		observability.IncSyncRun(string(SyncAborted))
		return result
	}
	if result.Failed == 0 {
		r.needsSync.Store(false)
	}

	log.Printf("[Reconciler] sync completed pushed=%d failed=%d total=%d", result.Pushed, result.Failed, len(result.Chats))
	observability.IncSyncRun(string(SyncCompleted))
	return result
}

// Outdated returns the chats in local that the server list lacks, or whose
// local copy is strictly newer. Order follows local.
func Outdated(local, server []models.Chat) []models.Chat {
	byID := make(map[string]int64, len(server))
	for _, c := range server {
		byID[c.ID] = c.Timestamp
	}

	var out []models.Chat
	for _, c := range local {
		ts, ok := byID[c.ID]
		if !ok || c.Timestamp > ts {
			out = append(out, c)
		}
	}
	return out
}

func (r *Reconciler) Chats() []models.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneAll(r.chats)
}

func (r *Reconciler) Chat(chatID string) (models.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chats {
		if c.ID == chatID {
			return c.Clone(), true
		}
	}
	return models.Chat{}, false
}

// Reset drops the in-memory list. The cache is left alone.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.chats = []models.Chat{}
	r.mu.Unlock()
}

func (r *Reconciler) NeedsSync() bool {
	return r.needsSync.Load()
}

func (r *Reconciler) MarkNeedsSync() {
	r.needsSync.Store(true)
}

// upsertLocal applies the write to memory and to the cached list separately
// so a reset in-memory list never truncates the cache.
func (r *Reconciler) upsertLocal(chat models.Chat) {
	r.mu.Lock()
	r.chats = upsert(r.chats, chat)
	r.mu.Unlock()

	if err := r.cache.SetChats(upsert(r.cachedChats(), chat)); err != nil {
		log.Printf("[Reconciler] failed to write chat cache error=%v", err)
	}
}

// retainCached writes chats back to the cache only, for use after the
// session was invalidated and the in-memory list cleared.
func (r *Reconciler) retainCached(chats []models.Chat) {
	if len(chats) == 0 {
		return
	}
	cached := r.cachedChats()
	for _, chat := range chats {
		cached = upsert(cached, chat)
	}
	if err := r.cache.SetChats(cached); err != nil {
		log.Printf("[Reconciler] failed to write chat cache error=%v", err)
	}
}

func upsert(chats []models.Chat, chat models.Chat) []models.Chat {
	next := make([]models.Chat, 0, len(chats)+1)
	next = append(next, chat.Clone())
	for _, c := range chats {
		if c.ID != chat.ID {
			next = append(next, c)
		}
	}
	return next
}

func without(chats []models.Chat, chatID string) []models.Chat {
	kept := make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		if c.ID != chatID {
			kept = append(kept, c)
		}
	}
	return kept
}

func (r *Reconciler) setMemory(chats []models.Chat) {
	r.mu.Lock()
	r.chats = cloneAll(chats)
	r.mu.Unlock()
}

func (r *Reconciler) cachedChats() []models.Chat {
	chats, err := r.cache.Chats()
	if err != nil {
		log.Printf("[Reconciler] failed to read chat cache error=%v", err)
		return []models.Chat{}
	}
	return chats
}

func cloneAll(chats []models.Chat) []models.Chat {
	out := make([]models.Chat, len(chats))
	for i, c := range chats {
		out[i] = c.Clone()
	}
	return out
}
