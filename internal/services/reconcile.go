package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"chatsync/internal/adapters/evolution"
	"chatsync/internal/identity"
	"chatsync/internal/importer"
	"chatsync/internal/models"
	"chatsync/internal/store"
)

// persistTimeout bounds the ledger writes that close an invocation.
const persistTimeout = 10 * time.Second

// Remote is the remote platform surface used by a run.
type Remote interface {
	ConnectionState(ctx context.Context, instance string) (evolution.ConnectionState, error)
	ListChats(ctx context.Context, instance string) ([]evolution.Chat, error)
	ListContacts(ctx context.Context, instance string) ([]evolution.Contact, error)
	ListMessages(ctx context.Context, instance, remoteJID string, limit int) ([]evolution.Message, error)
}

// AvatarSyncer refreshes contact avatars in the background.
type AvatarSyncer interface {
	Trigger(tenantID, instance string, force bool)
}

// Store is the relational store surface used by a run.
type Store interface {
	importer.MessageStore
	TimestampStore

	GetInstance(ctx context.Context, name string) (*store.Instance, error)
	ListContacts(ctx context.Context, tenantID string) ([]store.Contact, error)
	CreateContact(ctx context.Context, c *store.Contact) error
	UpdateContactName(ctx context.Context, id, name string) error
	UpdateContactMetadata(ctx context.Context, id string, meta datatypes.JSONMap) error
	CreateConversation(ctx context.Context, c *store.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	UpdateConversationMetadata(ctx context.Context, id string, meta datatypes.JSONMap) error
}

// Options tune a run.
type Options struct {
	BatchSize            int
	BatchesPerInvocation int
	MessagesPerChat      int
	BatchPause           time.Duration
	TimeBudget           time.Duration
	DedupWindow          int
	Channel              string
	// AllowedInstances gates bulk import. Empty denies every instance; "*" allows all.
	AllowedInstances []string
	Normalizer       identity.PhoneNormalizer
}

// Request selects what a single invocation does.
type Request struct {
	Instance string `json:"instance"`
	// Phase pins or starts the run at a phase. Empty resumes stored progress.
	Phase        Phase `json:"phase,omitempty"`
	Offset       int   `json:"offset,omitempty"`
	Pinned       bool  `json:"pinned,omitempty"`
	Restart      bool  `json:"restart,omitempty"`
	ForceAvatars bool  `json:"forceAvatars,omitempty"`
}

// ItemError is a per-item failure carried in the stats.
type ItemError struct {
	Phase     Phase  `json:"phase"`
	RemoteJID string `json:"remoteJid,omitempty"`
	Name      string `json:"name,omitempty"`
	Error     string `json:"error"`
}

// Stats aggregates the writes of an invocation.
type Stats struct {
	ContactsCreated      int         `json:"contactsCreated"`
	ContactsUpdated      int         `json:"contactsUpdated"`
	ConversationsCreated int         `json:"conversationsCreated"`
	MessagesImported     int         `json:"messagesImported"`
	ChatsProcessed       int         `json:"chatsProcessed"`
	ContactsProcessed    int         `json:"contactsProcessed"`
	ConversationsTouched int         `json:"conversationsTouched"`
	TimestampsUpdated    int         `json:"timestampsUpdated"`
	Errors               []ItemError `json:"errors"`
}

// Result is the JSON progress object returned by every invocation.
type Result struct {
	Success        bool   `json:"success"`
	Instance       string `json:"instance"`
	Phase          Phase  `json:"phase"`
	NextPhase      Phase  `json:"nextPhase"`
	Pinned         bool   `json:"pinned"`
	Stats          Stats  `json:"stats"`
	DurationMs     int64  `json:"durationMs"`
	Completed      bool   `json:"completed"`
	NeedsContinue  bool   `json:"needsContinue"`
	ProcessedItems int    `json:"processedItems"`
	NextOffset     int    `json:"nextOffset"`
	TotalItems     int    `json:"totalItems"`
	Error          string `json:"error,omitempty"`
}

// Orchestrator drives the phased reconciliation of one instance.
type Orchestrator struct {
	store      Store
	remote     Remote
	progress   ProgressStore
	avatars    AvatarSyncer
	opts       Options
	resolver   *identity.Resolver
	importer   *importer.Importer
	timestamps *TimestampReconciler
	archival   ArchivalPolicy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an Orchestrator. avatars may be nil.
func NewOrchestrator(st Store, remote Remote, progress ProgressStore, avatars AvatarSyncer, opts Options) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if progress == nil {
		return nil, fmt.Errorf("progress store cannot be nil")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 30
	}
	if opts.BatchesPerInvocation <= 0 {
		opts.BatchesPerInvocation = 1
	}
	if opts.MessagesPerChat <= 0 {
		opts.MessagesPerChat = 500
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 50 * time.Second
	}
	if opts.Channel == "" {
		opts.Channel = "whatsapp"
	}

	return &Orchestrator{
		store:      st,
		remote:     remote,
		progress:   progress,
		avatars:    avatars,
		opts:       opts,
		resolver:   identity.NewResolver(opts.Normalizer),
		importer:   importer.New(st, opts.DedupWindow),
		timestamps: NewTimestampReconciler(st),
		archival:   ArchivalPolicy{Channel: opts.Channel},
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

// run carries the state of one invocation.
type run struct {
	instance string
	tenantID string
	force    bool
	deadline time.Time
	quota    int
	stats    Stats
	touched  map[string]struct{}
	touchSeq []string
}

func (r *run) fail(phase Phase, remoteJID, name string, err error) {
	r.stats.Errors = append(r.stats.Errors, ItemError{Phase: phase, RemoteJID: remoteJID, Name: name, Error: err.Error()})
	log.Warn().Err(err).Str("instance", r.instance).Str("phase", string(phase)).Str("remoteJid", remoteJID).Str("name", name).Msg("Item failed, continuing")
}

func (r *run) touch(conversationID string) {
	if _, ok := r.touched[conversationID]; ok {
		return
	}
	r.touched[conversationID] = struct{}{}
	r.touchSeq = append(r.touchSeq, conversationID)
}

// step is the outcome of running one phase within an invocation.
type step struct {
	processed int
	total     int
	done      bool
}

// Run executes one invocation. Fatal preconditions return an error and a failed result
// before anything is written. Unexpected panics are converted into a failed result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result, err error) {
	started := o.now()
	res = &Result{Instance: req.Instance, Phase: req.Phase, Pinned: req.Pinned}
	res.Stats.Errors = []ItemError{}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("instance", req.Instance).Msg("Sync run panicked")
			res.Success = false
			res.NeedsContinue = false
			err = fmt.Errorf("sync run panicked: %v", rec)
		}
		res.DurationMs = o.now().Sub(started).Milliseconds()
		if err != nil {
			res.Error = err.Error()
		}
	}()

	inst, err := o.preflight(ctx, req.Instance)
	if err != nil {
		log.Error().Err(err).Str("instance", req.Instance).Msg("Sync run rejected")
		return res, err
	}

	phase, offset, pinned, startedAt, err := o.startingPoint(ctx, req, started)
	if err != nil {
		return res, err
	}
	res.Phase, res.Pinned = phase, pinned

	r := &run{
		instance: inst.Name,
		tenantID: inst.TenantID,
		force:    req.ForceAvatars,
		deadline: started.Add(o.opts.TimeBudget),
		quota:    o.opts.BatchSize * o.opts.BatchesPerInvocation,
		touched:  make(map[string]struct{}),
	}
	r.stats.Errors = []ItemError{}

	log.Info().Str("instance", r.instance).Str("tenantID", r.tenantID).Str("phase", string(phase)).Int("offset", offset).Bool("pinned", pinned).Msg("Sync run started")

	for phase != PhaseDone {
		if o.now().After(r.deadline) {
			break
		}
		st, err := o.runPhase(ctx, r, phase, offset)
		if err != nil {
			return res, err
		}
		res.TotalItems = st.total
		if phase.IsBatched() {
			res.ProcessedItems += st.processed
		}
		if !st.done {
			offset += st.processed
			break
		}
		if pinned {
			phase = PhaseDone
			break
		}
		phase, offset = phase.Next(), 0
	}

	// Ledger writes outlive a cancelled invocation so the next one resumes from here.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if pinned && len(r.touchSeq) > 0 {
		n, err := o.timestamps.Reconcile(persistCtx, r.touchSeq)
		r.stats.TimestampsUpdated += n
		if err != nil {
			r.fail(res.Phase, "", "", err)
		}
	}

	r.stats.ConversationsTouched = len(r.touchSeq)
	res.Stats = r.stats
	res.Success = true
	res.NextPhase = phase
	res.NextOffset = offset
	res.Completed = phase == PhaseDone
	res.NeedsContinue = !res.Completed
	if res.Completed {
		res.NextOffset = 0
	}

	if err := o.saveProgress(persistCtx, r.instance, phase, offset, pinned, startedAt); err != nil {
		log.Error().Err(err).Str("instance", r.instance).Msg("Failed to persist progress")
		r.fail(phase, "", "", err)
		res.Stats = r.stats
	}
	res.DurationMs = o.now().Sub(started).Milliseconds()
	o.recordRun(persistCtx, res)

	log.Info().
		Str("instance", r.instance).
		Str("nextPhase", string(res.NextPhase)).
		Bool("completed", res.Completed).
		Int("processedItems", res.ProcessedItems).
		Int("nextOffset", res.NextOffset).
		Int("messagesImported", r.stats.MessagesImported).
		Int("errors", len(r.stats.Errors)).
		Msg("Sync run finished")
	return res, nil
}

func (o *Orchestrator) preflight(ctx context.Context, name string) (*store.Instance, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty instance name", ErrInstanceNotFound)
	}
	inst, err := o.store.GetInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	if !o.allowed(name) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotAllowed, name)
	}

	state, err := o.remote.ConnectionState(ctx, name)
	if err != nil {
		return nil, err
	}
	if state != evolution.StateOpen {
		return nil, fmt.Errorf("%w: %s is %q", ErrInstanceNotConnected, name, state)
	}
	return inst, nil
}

func (o *Orchestrator) allowed(name string) bool {
	for _, a := range o.opts.AllowedInstances {
		if a == "*" || a == name {
			return true
		}
	}
	return false
}

// startingPoint resolves the phase and offset of this invocation from the request and stored progress.
func (o *Orchestrator) startingPoint(ctx context.Context, req Request, now time.Time) (Phase, int, bool, time.Time, error) {
	if req.Phase != "" {
		phase, err := ParsePhase(string(req.Phase))
		if err != nil {
			return "", 0, false, now, err
		}
		return phase, max(req.Offset, 0), req.Pinned, now, nil
	}

	if req.Restart {
		if err := o.progress.Clear(ctx, req.Instance); err != nil {
			return "", 0, false, now, err
		}
		return PhaseDiscoverLive, 0, false, now, nil
	}

	p, err := o.progress.Load(ctx, req.Instance)
	if err != nil {
		return "", 0, false, now, err
	}
	if p == nil {
		return PhaseDiscoverLive, 0, false, now, nil
	}
	phase, err := ParsePhase(p.Phase)
	if err != nil {
		log.Warn().Err(err).Str("instance", req.Instance).Msg("Discarding unreadable progress")
		return PhaseDiscoverLive, 0, false, now, nil
	}
	started := p.StartedAt
	if started.IsZero() {
		started = now
	}
	return phase, p.Offset, p.Pinned, started, nil
}

func (o *Orchestrator) saveProgress(ctx context.Context, instance string, phase Phase, offset int, pinned bool, startedAt time.Time) error {
	if phase == PhaseDone {
		return o.progress.Clear(ctx, instance)
	}
	return o.progress.Save(ctx, &models.ImportProgress{
		InstanceName: instance,
		Phase:        string(phase),
		Offset:       offset,
		Pinned:       pinned,
		StartedAt:    startedAt,
	})
}

func (o *Orchestrator) recordRun(ctx context.Context, res *Result) {
	entry := &models.SyncRun{
		InstanceName:         res.Instance,
		Phase:                string(res.Phase),
		NextPhase:            string(res.NextPhase),
		Pinned:               res.Pinned,
		Success:              res.Success,
		Completed:            res.Completed,
		NeedsContinue:        res.NeedsContinue,
		ProcessedItems:       res.ProcessedItems,
		NextOffset:           res.NextOffset,
		TotalItems:           res.TotalItems,
		ContactsCreated:      res.Stats.ContactsCreated,
		ContactsUpdated:      res.Stats.ContactsUpdated,
		ConversationsCreated: res.Stats.ConversationsCreated,
		MessagesImported:     res.Stats.MessagesImported,
		TimestampsUpdated:    res.Stats.TimestampsUpdated,
		ErrorCount:           len(res.Stats.Errors),
		Error:                res.Error,
		DurationMs:           res.DurationMs,
	}
	if err := o.progress.RecordRun(ctx, entry); err != nil {
		log.Warn().Err(err).Str("instance", res.Instance).Msg("Failed to record sync run")
	}
}

func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase Phase, offset int) (step, error) {
	switch phase {
	case PhaseDiscoverLive:
		return o.discoverLive(ctx, r, offset)
	case PhaseImportContacts:
		return o.importContacts(ctx, r)
	case PhaseBackfillDormant:
		return o.backfillDormant(ctx, r, offset)
	case PhaseSyncAvatars:
		if o.avatars != nil {
			o.avatars.Trigger(r.tenantID, r.instance, r.force)
		} else {
			log.Debug().Str("instance", r.instance).Msg("No avatar syncer configured, skipping avatars")
		}
		return step{done: true}, nil
	case PhaseReconcileTimestamps:
		n, err := o.timestamps.ReconcileTenant(ctx, r.tenantID)
		r.stats.TimestampsUpdated += n
		if err != nil {
			r.fail(phase, "", "", err)
		}
		return step{done: true}, nil
	}
	return step{}, fmt.Errorf("unknown phase %q", phase)
}

// walk processes items[offset:] within the invocation quota and time budget,
// pausing between chunks of BatchSize items.
func (o *Orchestrator) walk(ctx context.Context, r *run, total, offset int, item func(i int)) (step, error) {
	if offset > total {
		offset = total
	}
	processed := 0
	for i := offset; i < total; i++ {
		if processed >= r.quota || o.now().After(r.deadline) {
			return step{processed: processed, total: total}, nil
		}
		if processed > 0 && processed%o.opts.BatchSize == 0 && o.opts.BatchPause > 0 {
			if err := o.sleep(ctx, o.opts.BatchPause); err != nil {
				return step{processed: processed, total: total}, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return step{processed: processed, total: total}, nil
		}
		item(i)
		processed++
	}
	r.quota -= processed
	return step{processed: processed, total: total, done: true}, nil
}

func (o *Orchestrator) discoverLive(ctx context.Context, r *run, offset int) (step, error) {
	live := false
	convs, err := o.store.ListConversations(ctx, r.tenantID, store.ConversationFilter{Archived: &live})
	if err != nil {
		return step{}, fmt.Errorf("list live conversations: %w", err)
	}
	contacts, err := o.contactsByID(ctx, r.tenantID)
	if err != nil {
		return step{}, err
	}

	return o.walk(ctx, r, len(convs), offset, func(i int) {
		conv := &convs[i]
		if name := conv.InstanceName(); name != "" && name != r.instance {
			return
		}
		contact := contacts[conv.ContactID]
		id := o.resolver.ConversationJID(conv, contact)
		displayName := ""
		if contact != nil {
			displayName = contact.Name
		}
		if id.Kind == identity.KindInvalid || id.Kind == identity.KindBroadcast {
			log.Debug().Str("conversationID", conv.ID).Msg("Live conversation has no usable remote identifier")
			return
		}

		if meta, ok := o.archival.LiveMetadata(conv, id, r.instance); ok {
			if err := o.store.UpdateConversationMetadata(ctx, conv.ID, meta); err != nil {
				r.fail(PhaseDiscoverLive, id.JID, displayName, err)
				return
			}
		}

		msgs, err := o.remote.ListMessages(ctx, r.instance, id.JID, o.opts.MessagesPerChat)
		if err != nil {
			r.fail(PhaseDiscoverLive, id.JID, displayName, err)
			return
		}
		n, err := o.importer.Import(ctx, conv.ID, msgs)
		r.stats.MessagesImported += n
		if n > 0 {
			r.touch(conv.ID)
		}
		if err != nil {
			r.fail(PhaseDiscoverLive, id.JID, displayName, err)
			return
		}
		r.stats.ChatsProcessed++
	})
}

func (o *Orchestrator) contactsByID(ctx context.Context, tenantID string) (map[string]*store.Contact, error) {
	contacts, err := o.store.ListContacts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	byID := make(map[string]*store.Contact, len(contacts))
	for i := range contacts {
		byID[contacts[i].ID] = &contacts[i]
	}
	return byID, nil
}

// remoteEntries merges the remote contact and chat universes, contacts first.
// Groups only appear as chats.
func (o *Orchestrator) remoteEntries(ctx context.Context, r *run) ([]identity.Entry, error) {
	contacts, contactsErr := o.remote.ListContacts(ctx, r.instance)
	if contactsErr != nil {
		r.fail(PhaseImportContacts, "", "findContacts", contactsErr)
	}
	chats, chatsErr := o.remote.ListChats(ctx, r.instance)
	if chatsErr != nil {
		r.fail(PhaseImportContacts, "", "findChats", chatsErr)
	}
	if contactsErr != nil && chatsErr != nil {
		return nil, errors.Join(contactsErr, chatsErr)
	}

	entries := make([]identity.Entry, 0, len(contacts)+len(chats))
	seen := make(map[string]int, len(contacts)+len(chats))
	add := func(e identity.Entry) {
		key := identity.Classify(e.RemoteJID).JID
		if key == "" {
			entries = append(entries, e)
			return
		}
		if i, ok := seen[key]; ok {
			if entries[i].Name == "" || identity.ShouldUpgradeName(entries[i].Name, e.Name) {
				entries[i].Name = e.Name
			}
			return
		}
		seen[key] = len(entries)
		entries = append(entries, e)
	}
	for _, c := range contacts {
		add(identity.Entry{RemoteJID: c.RemoteJID, Name: c.PushName, Phone: c.Phone})
	}
	for _, c := range chats {
		add(identity.Entry{RemoteJID: c.RemoteJID, Name: c.Name})
	}
	return entries, nil
}

func (o *Orchestrator) importContacts(ctx context.Context, r *run) (step, error) {
	entries, err := o.remoteEntries(ctx, r)
	if err != nil {
		// Nothing to resolve against; the phase stays current so the next invocation retries it.
		return step{}, nil
	}

	local, err := o.store.ListContacts(ctx, r.tenantID)
	if err != nil {
		return step{}, fmt.Errorf("list contacts: %w", err)
	}
	ix := o.resolver.NewIndex(local)
	updated := make(map[string]struct{})

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return step{total: len(entries)}, nil
		}
		d := o.resolver.Resolve(ix, r.tenantID, e)
		switch d.Action {
		case identity.ActionSkip:
			continue
		case identity.ActionCreate:
			if err := o.store.CreateContact(ctx, d.Contact); err != nil {
				r.fail(PhaseImportContacts, d.Remote.JID, e.Name, err)
				continue
			}
			ix.Add(d.Contact)
			r.stats.ContactsCreated++
		case identity.ActionMatch:
			c := d.Contact
			if d.Rename != "" {
				if err := o.store.UpdateContactName(ctx, c.ID, d.Rename); err != nil {
					r.fail(PhaseImportContacts, d.Remote.JID, e.Name, err)
					continue
				}
				c.Name = d.Rename
				updated[c.ID] = struct{}{}
			}
			if d.Metadata != nil {
				if err := o.store.UpdateContactMetadata(ctx, c.ID, d.Metadata); err != nil {
					r.fail(PhaseImportContacts, d.Remote.JID, e.Name, err)
					continue
				}
				c.Metadata = d.Metadata
				ix.Add(c)
				updated[c.ID] = struct{}{}
			}
		}
		r.stats.ContactsProcessed++
	}
	r.stats.ContactsUpdated += len(updated)
	return step{total: len(entries), done: true}, nil
}

func (o *Orchestrator) backfillDormant(ctx context.Context, r *run, offset int) (step, error) {
	contacts, err := o.store.ListContacts(ctx, r.tenantID)
	if err != nil {
		return step{}, fmt.Errorf("list contacts: %w", err)
	}
	convs, err := o.store.ListConversations(ctx, r.tenantID, store.ConversationFilter{})
	if err != nil {
		return step{}, fmt.Errorf("list conversations: %w", err)
	}
	hasConversation := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		hasConversation[c.ContactID] = struct{}{}
	}

	candidates := make([]*store.Contact, 0, len(contacts))
	for i := range contacts {
		id := o.resolver.ContactJID(&contacts[i])
		if id.Kind == identity.KindInvalid || id.Kind == identity.KindBroadcast {
			continue
		}
		candidates = append(candidates, &contacts[i])
	}

	return o.walk(ctx, r, len(candidates), offset, func(i int) {
		c := candidates[i]
		r.stats.ContactsProcessed++
		if _, ok := hasConversation[c.ID]; ok {
			return
		}
		id := o.resolver.ContactJID(c)
		o.backfillOne(ctx, r, c, id)
	})
}

func (o *Orchestrator) backfillOne(ctx context.Context, r *run, c *store.Contact, id identity.RemoteID) {
	msgs, err := o.remote.ListMessages(ctx, r.instance, id.JID, o.opts.MessagesPerChat)
	if err != nil {
		r.fail(PhaseBackfillDormant, id.JID, c.Name, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	conv := o.archival.BackfillConversation(r.tenantID, c, id, r.instance)
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		r.fail(PhaseBackfillDormant, id.JID, c.Name, err)
		return
	}

	n, err := o.importer.Import(ctx, conv.ID, msgs)
	if err != nil && n > 0 {
		err = fmt.Errorf("partial import of %d messages rolled back: %w", n, err)
	}
	if err != nil || n == 0 {
		if delErr := o.store.DeleteConversation(ctx, conv.ID); delErr != nil {
			log.Error().Err(delErr).Str("conversationID", conv.ID).Msg("Failed to remove empty backfill conversation")
			err = errors.Join(err, delErr)
		}
		if err != nil {
			r.fail(PhaseBackfillDormant, id.JID, c.Name, err)
		}
		return
	}

	r.stats.ConversationsCreated++
	r.stats.MessagesImported += n
	r.stats.ChatsProcessed++
	r.touch(conv.ID)
	log.Debug().Str("remoteJid", id.JID).Str("conversationID", conv.ID).Int("messages", n).Msg("Dormant history archived")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
