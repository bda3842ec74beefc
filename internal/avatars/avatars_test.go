package avatars

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vincent-petithory/dataurl"

	"chatsync/internal/identity"
	"chatsync/internal/store"
)

type fakePictures struct {
	mu    sync.Mutex
	urls  map[string]string
	fail  map[string]bool
	calls int
}

func (f *fakePictures) ProfilePictureURL(_ context.Context, _ string, jid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[jid] {
		return "", errors.New("remote platform unavailable")
	}
	return f.urls[jid], nil
}

type putCall struct {
	tenantID, contactID, contentType string
	size                              int
	data                              []byte
}

type fakeObjects struct {
	mu   sync.Mutex
	puts []putCall
}

func (f *fakeObjects) PutAvatar(_ context.Context, tenantID, contactID string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, putCall{tenantID, contactID, contentType, len(data), data})
	return "https://cdn.example.com/avatars/" + contactID + ".jpg", nil
}

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "avatars.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func addContact(t *testing.T, db *store.DB, name, jid, avatar string) *store.Contact {
	t.Helper()
	c := &store.Contact{TenantID: "t1", Name: name, AvatarURL: avatar, Metadata: map[string]interface{}{store.MetaRemoteJID: jid}}
	if err := db.CreateContact(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testOptions() Options {
	return Options{ThumbnailSize: 64, Normalizer: identity.NewPhoneNormalizer("55", []int{10, 11})}
}

func TestSyncStoresRemoteURLWithoutObjectStore(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	maria := addContact(t, db, "Maria", "5511999998888@s.whatsapp.net", "")
	addContact(t, db, "Has Avatar", "5521988887777@s.whatsapp.net", "https://old.example.com/a.jpg")
	addContact(t, db, "No Picture", "5531977776666@s.whatsapp.net", "")

	pics := &fakePictures{urls: map[string]string{
		"5511999998888@s.whatsapp.net": "https://pps.example.com/maria.jpg",
		"5521988887777@s.whatsapp.net": "https://pps.example.com/new.jpg",
	}}
	s, err := NewSyncer(db, pics, nil, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	report, err := s.Sync(ctx, "t1", "sales", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 2 || report.Updated != 1 || report.Skipped != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	got, err := db.GetContact(ctx, maria.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AvatarURL != "https://pps.example.com/maria.jpg" {
		t.Errorf("avatar = %q", got.AvatarURL)
	}

	report, err = s.Sync(ctx, "t1", "sales", true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 3 || report.Updated != 1 {
		t.Errorf("forced report = %+v", report)
	}
	if pics.calls != 3 {
		t.Errorf("picture lookups = %d, want cached URLs to be reused", pics.calls)
	}
}

func TestSyncMirrorsThumbnails(t *testing.T) {
	original := pngImage(t, 200, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(original)
	}))
	defer srv.Close()

	db := testStore(t)
	ctx := context.Background()
	maria := addContact(t, db, "Maria", "5511999998888@s.whatsapp.net", "")
	group := addContact(t, db, "Family", "120363025246125888@g.us", "")

	pics := &fakePictures{urls: map[string]string{
		"5511999998888@s.whatsapp.net": srv.URL + "/maria.png",
		"120363025246125888@g.us":      dataurl.New(original, "image/png").String(),
	}}
	objects := &fakeObjects{}
	s, err := NewSyncer(db, pics, objects, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	report, err := s.Sync(ctx, "t1", "sales", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Updated != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(objects.puts) != 2 {
		t.Fatalf("puts = %d", len(objects.puts))
	}
	for _, p := range objects.puts {
		if p.contentType != "image/jpeg" || p.tenantID != "t1" {
			t.Errorf("put = %+v", p)
		}
		img, err := jpeg.Decode(bytes.NewReader(p.data))
		if err != nil {
			t.Fatal(err)
		}
		if b := img.Bounds(); b.Dx() > 64 || b.Dy() > 64 {
			t.Errorf("thumbnail is %dx%d, want at most 64", b.Dx(), b.Dy())
		}
	}

	for _, c := range []*store.Contact{maria, group} {
		got, err := db.GetContact(ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.AvatarURL != "https://cdn.example.com/avatars/"+c.ID+".jpg" {
			t.Errorf("%s avatar = %q", c.Name, got.AvatarURL)
		}
	}
}

func TestSyncIsolatesFailures(t *testing.T) {
	db := testStore(t)
	addContact(t, db, "Broken", "5511900000001@s.whatsapp.net", "")
	ok := addContact(t, db, "Fine", "5511900000002@s.whatsapp.net", "")

	pics := &fakePictures{
		urls: map[string]string{"5511900000002@s.whatsapp.net": "https://pps.example.com/fine.jpg"},
		fail: map[string]bool{"5511900000001@s.whatsapp.net": true},
	}
	s, err := NewSyncer(db, pics, nil, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Sync(context.Background(), "t1", "sales", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Updated != 1 {
		t.Errorf("report = %+v", report)
	}
	if got, _ := db.GetContact(context.Background(), ok.ID); got.AvatarURL == "" {
		t.Error("healthy contact was not updated")
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	db := testStore(t)
	c := addContact(t, db, "Maria", "5511999998888@s.whatsapp.net", "")
	pics := &fakePictures{urls: map[string]string{"5511999998888@s.whatsapp.net": "https://pps.example.com/maria.jpg"}}
	s, err := NewSyncer(db, pics, nil, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	s.Trigger("t1", "sales", false)
	s.Wait()

	got, err := db.GetContact(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AvatarURL != "https://pps.example.com/maria.jpg" {
		t.Errorf("avatar = %q", got.AvatarURL)
	}
}

func TestNewSyncerValidates(t *testing.T) {
	if _, err := NewSyncer(nil, &fakePictures{}, nil, Options{}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewSyncer(testStore(t), nil, nil, Options{}); err == nil {
		t.Error("expected error for nil picture source")
	}
}
