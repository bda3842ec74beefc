package evolution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"chatsync/pkg/httputil"
)

// ErrRemoteUnavailable is returned when the remote platform cannot answer a request.
var ErrRemoteUnavailable = errors.New("remote platform unavailable")

// Client wraps the remote chat platform HTTP query surface.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new remote platform client.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("evolution baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("evolution apiKey cannot be empty")
	}

	baseURL = strings.TrimRight(baseURL, "/")
	client := httputil.NewDefaultRestyClient(timeout).
		SetBaseURL(baseURL).
		SetHeader("apikey", apiKey).
		SetHeader("Content-Type", "application/json")

	log.Info().Str("baseURL", baseURL).Dur("timeout", client.GetClient().Timeout).Msg("Evolution client configured")

	return &Client{httpClient: client, baseURL: baseURL}, nil
}

// ConnectionState fetches the connection state of an instance.
func (c *Client) ConnectionState(ctx context.Context, instance string) (ConnectionState, error) {
	path := "/instance/connectionState/" + url.PathEscape(instance)

	resp, err := c.httpClient.R().SetContext(ctx).Get(path)
	if err != nil {
		log.Error().Err(err).Str("url", path).Msg("Evolution API: connectionState request failed")
		return "", fmt.Errorf("%w: connectionState: %v", ErrRemoteUnavailable, err)
	}
	if resp.IsError() {
		log.Error().Str("url", path).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Evolution API: connectionState returned an error")
		return "", fmt.Errorf("%w: connectionState status %d: %s", ErrRemoteUnavailable, resp.StatusCode(), resp.String())
	}

	state := first(gjson.ParseBytes(resp.Body()), "instance.state", "state", "instance.status")
	return ConnectionState(strings.ToLower(state)), nil
}

// ListChats returns the remote chat universe of an instance.
func (c *Client) ListChats(ctx context.Context, instance string) ([]Chat, error) {
	items, err := c.postShapes(ctx, "/chat/findChats/"+url.PathEscape(instance), []any{
		map[string]any{},
		map[string]any{"where": map[string]any{}},
	})
	if err != nil {
		return nil, fmt.Errorf("findChats: %w", err)
	}

	chats := make([]Chat, 0, len(items))
	for _, item := range items {
		if chat := parseChat(item); chat.RemoteJID != "" {
			chats = append(chats, chat)
		}
	}
	return chats, nil
}

// ListContacts returns the remote contact universe of an instance.
func (c *Client) ListContacts(ctx context.Context, instance string) ([]Contact, error) {
	items, err := c.postShapes(ctx, "/chat/findContacts/"+url.PathEscape(instance), []any{
		map[string]any{"where": map[string]any{}},
		map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("findContacts: %w", err)
	}

	contacts := make([]Contact, 0, len(items))
	for _, item := range items {
		if contact := parseContact(item); contact.RemoteJID != "" || contact.Phone != "" {
			contacts = append(contacts, contact)
		}
	}
	return contacts, nil
}

// ListMessages returns up to limit messages of a chat, as the remote returns them.
func (c *Client) ListMessages(ctx context.Context, instance, remoteJID string, limit int) ([]Message, error) {
	where := map[string]any{"key": map[string]any{"remoteJid": remoteJID}}
	items, err := c.postShapes(ctx, "/chat/findMessages/"+url.PathEscape(instance), []any{
		map[string]any{"where": where, "limit": limit},
		map[string]any{"where": where, "limit": limit, "page": 1, "offset": limit},
		map[string]any{"where": where},
	})
	if err != nil {
		return nil, fmt.Errorf("findMessages %s: %w", remoteJID, err)
	}

	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		msg := parseMessage(item)
		if msg.RemoteJID != "" && !sameChat(msg.RemoteJID, remoteJID) {
			// Some deployments ignore the where clause.
			continue
		}
		msgs = append(msgs, msg)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// ProfilePictureURL returns the current profile picture URL of a chat, or "" when it has none.
func (c *Client) ProfilePictureURL(ctx context.Context, instance, remoteJID string) (string, error) {
	path := "/chat/fetchProfilePictureUrl/" + url.PathEscape(instance)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{"number": remoteJID}).
		Post(path)
	if err != nil {
		return "", fmt.Errorf("%w: fetchProfilePictureUrl: %v", ErrRemoteUnavailable, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == 404 {
			return "", nil
		}
		return "", fmt.Errorf("%w: fetchProfilePictureUrl status %d: %s", ErrRemoteUnavailable, resp.StatusCode(), resp.String())
	}
	return first(gjson.ParseBytes(resp.Body()), "profilePictureUrl", "profilePicUrl", "url"), nil
}

// PairingCode asks the remote to start linking an instance and returns the QR payload.
func (c *Client) PairingCode(ctx context.Context, instance string) (*Pairing, error) {
	path := "/instance/connect/" + url.PathEscape(instance)

	resp, err := c.httpClient.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrRemoteUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: connect status %d: %s", ErrRemoteUnavailable, resp.StatusCode(), resp.String())
	}

	r := gjson.ParseBytes(resp.Body())
	return &Pairing{
		Code:        first(r, "code", "qrcode.code"),
		PairingCode: first(r, "pairingCode", "qrcode.pairingCode"),
		Base64:      first(r, "base64", "qrcode.base64"),
		Count:       int(r.Get("count").Int()),
	}, nil
}

// postShapes tries each request body in turn and keeps the response carrying the most items.
// It fails only when every shape fails.
func (c *Client) postShapes(ctx context.Context, path string, shapes []any) ([]gjson.Result, error) {
	var (
		best    []gjson.Result
		ok      bool
		lastErr error
	)

	for i, shape := range shapes {
		if ctx.Err() != nil {
			break
		}
		resp, err := c.httpClient.R().SetContext(ctx).SetBody(shape).Post(path)
		if err != nil {
			log.Warn().Err(err).Str("url", path).Int("shape", i).Msg("Evolution API: request failed")
			lastErr = fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
			continue
		}
		if resp.IsError() {
			log.Warn().Str("url", path).Int("shape", i).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Evolution API: request returned an error")
			lastErr = fmt.Errorf("%w: status %d: %s", ErrRemoteUnavailable, resp.StatusCode(), resp.String())
			continue
		}

		items := extractItems(resp.Body())
		if !ok || len(items) > len(best) {
			best = items
		}
		ok = true
	}

	if !ok {
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: %v", ErrRemoteUnavailable, ctx.Err())
		}
		return nil, lastErr
	}
	log.Debug().Str("url", path).Int("items", len(best)).Msg("Evolution API: list fetched")
	return best, nil
}

// sameChat compares two remote identifiers ignoring the device suffix.
func sameChat(a, b string) bool {
	strip := func(s string) string {
		user, server, found := strings.Cut(s, "@")
		if i := strings.IndexByte(user, ':'); i >= 0 {
			user = user[:i]
		}
		if server == "c.us" {
			server = "s.whatsapp.net"
		}
		if !found {
			return user
		}
		return user + "@" + server
	}
	return strip(a) == strip(b)
}
