package avatars

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nfnt/resize"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"chatsync/internal/identity"
	"chatsync/internal/store"
	"chatsync/pkg/httputil"
)

// ContactStore is the store surface the syncer reads and updates.
type ContactStore interface {
	ListContacts(ctx context.Context, tenantID string) ([]store.Contact, error)
	UpdateContactAvatar(ctx context.Context, id, url string) error
}

// PictureSource resolves the profile picture URL of a remote identifier.
type PictureSource interface {
	ProfilePictureURL(ctx context.Context, instance, remoteJID string) (string, error)
}

// ObjectStore mirrors avatar images and returns their public URL.
type ObjectStore interface {
	PutAvatar(ctx context.Context, tenantID, contactID string, data []byte, contentType string) (string, error)
}

// Options tune a Syncer.
type Options struct {
	// ThumbnailSize bounds the mirrored image in pixels. Zero keeps 256.
	ThumbnailSize uint
	// RunTimeout bounds a background Trigger run.
	RunTimeout time.Duration
	// URLCacheTTL is how long a resolved picture URL is reused.
	URLCacheTTL time.Duration
	Normalizer  identity.PhoneNormalizer
}

// Report summarizes one avatar pass.
type Report struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Syncer refreshes contact avatars from the remote platform.
type Syncer struct {
	store    ContactStore
	remote   PictureSource
	objects  ObjectStore
	http     *resty.Client
	urls     *cache.Cache
	resolver *identity.Resolver
	opts     Options

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

// NewSyncer creates a Syncer. objects may be nil, in which case remote URLs are stored as-is.
func NewSyncer(st ContactStore, remote PictureSource, objects ObjectStore, opts Options) (*Syncer, error) {
	if st == nil {
		return nil, fmt.Errorf("contact store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("picture source cannot be nil")
	}
	if opts.ThumbnailSize == 0 {
		opts.ThumbnailSize = 256
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.URLCacheTTL <= 0 {
		opts.URLCacheTTL = time.Hour
	}

	return &Syncer{
		store:    st,
		remote:   remote,
		objects:  objects,
		http:     httputil.NewDefaultRestyClient(30 * time.Second),
		urls:     cache.New(opts.URLCacheTTL, 2*opts.URLCacheTTL),
		resolver: identity.NewResolver(opts.Normalizer),
		opts:     opts,
		running:  make(map[string]bool),
	}, nil
}

// Trigger starts a background pass for a tenant and returns immediately.
// A pass already running for the same tenant and instance absorbs the call.
func (s *Syncer) Trigger(tenantID, instance string, force bool) {
	key := tenantID + "/" + instance
	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		log.Info().Str("tenantID", tenantID).Str("instance", instance).Msg("Avatar sync already running")
		return
	}
	s.running[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RunTimeout)
		defer cancel()
		if _, err := s.Sync(ctx, tenantID, instance, force); err != nil {
			log.Error().Err(err).Str("tenantID", tenantID).Str("instance", instance).Msg("Avatar sync failed")
		}
	}()
}

// Wait blocks until every triggered pass has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Sync refreshes the avatars of a tenant's contacts. Contacts that already
// have an avatar are only refreshed when force is set.
func (s *Syncer) Sync(ctx context.Context, tenantID, instance string, force bool) (*Report, error) {
	contacts, err := s.store.ListContacts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts for avatars: %w", err)
	}

	report := &Report{}
	for i := range contacts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c := &contacts[i]
		if c.AvatarURL != "" && !force {
			report.Skipped++
			continue
		}
		id := s.resolver.ContactJID(c)
		if id.Kind == identity.KindInvalid || id.Kind == identity.KindBroadcast {
			report.Skipped++
			continue
		}

		report.Checked++
		updated, err := s.syncOne(ctx, tenantID, instance, c, id)
		if err != nil {
			report.Failed++
			log.Warn().Err(err).Str("remoteJid", id.JID).Str("name", c.Name).Msg("Avatar refresh failed")
			continue
		}
		if updated {
			report.Updated++
		}
	}

	log.Info().
		Str("tenantID", tenantID).
		Str("instance", instance).
		Int("checked", report.Checked).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Msg("Avatar sync finished")
	return report, nil
}

func (s *Syncer) syncOne(ctx context.Context, tenantID, instance string, c *store.Contact, id identity.RemoteID) (bool, error) {
	pictureURL, err := s.pictureURL(ctx, instance, id.JID)
	if err != nil {
		return false, err
	}
	if pictureURL == "" {
		return false, nil
	}

	avatarURL := pictureURL
	if s.objects != nil {
		data, contentType, err := s.download(ctx, pictureURL)
		if err != nil {
			return false, err
		}
		data, contentType = s.thumbnail(data, contentType)
		avatarURL, err = s.objects.PutAvatar(ctx, tenantID, c.ID, data, contentType)
		if err != nil {
			return false, err
		}
	}

	if avatarURL == c.AvatarURL {
		return false, nil
	}
	if err := s.store.UpdateContactAvatar(ctx, c.ID, avatarURL); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Syncer) pictureURL(ctx context.Context, instance, jid string) (string, error) {
	key := instance + "|" + jid
	if v, ok := s.urls.Get(key); ok {
		return v.(string), nil
	}
	u, err := s.remote.ProfilePictureURL(ctx, instance, jid)
	if err != nil {
		return "", err
	}
	s.urls.Set(key, u, cache.DefaultExpiration)
	return u, nil
}

// download fetches an image from an http(s) or data: URL.
func (s *Syncer) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if strings.HasPrefix(rawURL, "data:") {
		du, err := dataurl.DecodeString(rawURL)
		if err != nil {
			return nil, "", fmt.Errorf("decode data url: %w", err)
		}
		return du.Data, du.MediaType.ContentType(), nil
	}

	resp, err := s.http.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("download avatar: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("download avatar: status %d", resp.StatusCode())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

// thumbnail re-encodes data as a bounded JPEG. Undecodable input is returned unchanged.
func (s *Syncer) thumbnail(data []byte, contentType string) ([]byte, string) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Str("contentType", contentType).Msg("Avatar is not a decodable image, storing original")
		return data, contentType
	}
	thumb := resize.Thumbnail(s.opts.ThumbnailSize, s.opts.ThumbnailSize, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return data, contentType
	}
	return buf.Bytes(), "image/jpeg"
}
