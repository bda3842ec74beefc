package identity

import (
	"reflect"
	"testing"

	"gorm.io/datatypes"

	"chatsync/internal/store"
)

var brazil = NewPhoneNormalizer("55", []int{10, 11})

func strPtr(s string) *string { return &s }

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		kind Kind
		jid  string
	}{
		{"5511999998888@s.whatsapp.net", KindDirect, "5511999998888@s.whatsapp.net"},
		{"5511999998888:12@s.whatsapp.net", KindDirect, "5511999998888@s.whatsapp.net"},
		{"5511999998888@c.us", KindDirect, "5511999998888@s.whatsapp.net"},
		{"+55 (11) 99999-8888", KindDirect, "5511999998888@s.whatsapp.net"},
		{"120363025246125888@g.us", KindGroup, "120363025246125888@g.us"},
		{"5511999998888-1600000000@g.us", KindGroup, "5511999998888-1600000000@g.us"},
		{"123456789012345@lid", KindOpaque, "123456789012345@lid"},
		{"120363144038483540@newsletter", KindOpaque, "120363144038483540@newsletter"},
		{"status@broadcast", KindBroadcast, "status@broadcast"},
		{"5511999998888@custom.server", KindDirect, "5511999998888@s.whatsapp.net"},
		{"abc@custom.server", KindOpaque, "abc@custom.server"},
		{"", KindInvalid, ""},
		{"no digits", KindInvalid, ""},
	}
	for _, tt := range tests {
		got := Classify(tt.raw)
		if got.Kind != tt.kind {
			t.Errorf("Classify(%q).Kind = %v, want %v", tt.raw, got.Kind, tt.kind)
		}
		if got.JID != tt.jid {
			t.Errorf("Classify(%q).JID = %q, want %q", tt.raw, got.JID, tt.jid)
		}
	}
}

func TestPhoneVariants(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"11999998888", []string{"5511999998888", "11999998888"}},
		{"5511999998888", []string{"5511999998888", "11999998888"}},
		{"+55 11 3333-4444", []string{"551133334444", "1133334444"}},
		{"1133334444", []string{"551133334444", "1133334444"}},
		{"14155550100", []string{"5514155550100", "14155550100"}},
		{"447911123456", []string{"447911123456"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := brazil.Variants(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Variants(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestPhoneNormalizerIsConfigurable(t *testing.T) {
	us := NewPhoneNormalizer("+1", []int{10})
	if got := us.Canonical("(415) 555-0100"); got != "14155550100" {
		t.Errorf("Canonical = %q, want 14155550100", got)
	}
	if got := us.Variants("14155550100"); !reflect.DeepEqual(got, []string{"14155550100", "4155550100"}) {
		t.Errorf("Variants = %v", got)
	}

	none := NewPhoneNormalizer("", nil)
	if got := none.Variants("11999998888"); !reflect.DeepEqual(got, []string{"11999998888"}) {
		t.Errorf("Variants without country code = %v", got)
	}
}

func TestNamePolicy(t *testing.T) {
	placeholders := []string{"", "  ", "11999998888", "+55 11 99999-8888", "Contact 8888", "Group 1234", "Unknown", "~", "5511@s.whatsapp.net"}
	for _, n := range placeholders {
		if !IsPlaceholderName(n) {
			t.Errorf("IsPlaceholderName(%q) = false, want true", n)
		}
	}
	humans := []string{"Maria Silva", "João", "Contact Center", "李雷", "Team 2024"}
	for _, n := range humans {
		if !IsHumanName(n) {
			t.Errorf("IsHumanName(%q) = false, want true", n)
		}
	}

	tests := []struct {
		stored, remote string
		want           bool
	}{
		{"11999998888", "Maria Silva", true},
		{"Contact 8888", "Maria", true},
		{"Maria Silva", "11999998888", false},
		{"Maria Silva", "Maria S.", false},
		{"11999998888", "5511999998888", false},
		{"11999998888", "", false},
	}
	for _, tt := range tests {
		if got := ShouldUpgradeName(tt.stored, tt.remote); got != tt.want {
			t.Errorf("ShouldUpgradeName(%q, %q) = %v, want %v", tt.stored, tt.remote, got, tt.want)
		}
	}
}

func TestPlaceholderAndBestName(t *testing.T) {
	group := Classify("120363025246125888@g.us")
	if got := PlaceholderName(group); got != "Group 5888" {
		t.Errorf("PlaceholderName(group) = %q", got)
	}
	lid := Classify("98765@lid")
	if got := PlaceholderName(lid); got != "Contact 8765" {
		t.Errorf("PlaceholderName(lid) = %q", got)
	}

	direct := Classify("5511999998888@s.whatsapp.net")
	if got := BestName("Maria", "5511999998888", direct); got != "Maria" {
		t.Errorf("BestName with push name = %q", got)
	}
	if got := BestName("", "5511999998888", direct); got != "5511999998888" {
		t.Errorf("BestName with phone = %q", got)
	}
	if got := BestName("~", "", lid); got != "Contact 8765" {
		t.Errorf("BestName placeholder = %q", got)
	}
}

func TestResolvePhoneVariantEquivalence(t *testing.T) {
	r := NewResolver(brazil)

	tests := []struct {
		name        string
		storedPhone string
	}{
		{"stored without country code", "11999998888"},
		{"stored with country code", "5511999998888"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := []store.Contact{{ID: "c1", TenantID: "t1", Name: "Maria", Phone: strPtr(tt.storedPhone), Metadata: datatypes.JSONMap{}}}
			ix := r.NewIndex(existing)

			for _, remote := range []string{"5511999998888@s.whatsapp.net", "11999998888@s.whatsapp.net"} {
				d := r.Resolve(ix, "t1", Entry{RemoteJID: remote, Name: "Maria"})
				if d.Action != ActionMatch {
					t.Fatalf("Resolve(%s) action = %v, want match", remote, d.Action)
				}
				if d.Contact.ID != "c1" {
					t.Errorf("matched %s, want c1", d.Contact.ID)
				}
				if d.Metadata[store.MetaRemoteJID] != "5511999998888@s.whatsapp.net" {
					t.Errorf("metadata enrichment = %v", d.Metadata)
				}
			}
		})
	}
}

func TestResolvePrefersRemoteIdentifier(t *testing.T) {
	r := NewResolver(brazil)
	existing := []store.Contact{
		{ID: "by-phone", Phone: strPtr("11999998888"), Name: "Phone Match"},
		{ID: "by-jid", Name: "Jid Match", Metadata: datatypes.JSONMap{store.MetaRemoteJID: "5511999998888@s.whatsapp.net"}},
	}
	ix := r.NewIndex(existing)

	d := r.Resolve(ix, "t1", Entry{RemoteJID: "5511999998888@s.whatsapp.net"})
	if d.Contact == nil || d.Contact.ID != "by-jid" {
		t.Fatalf("matched %+v, want by-jid", d.Contact)
	}
	if d.Metadata != nil {
		t.Error("contact with remote identifier needs no metadata enrichment")
	}
}

func TestResolveNameUpgrade(t *testing.T) {
	r := NewResolver(brazil)
	existing := []store.Contact{{ID: "c1", Name: "11999998888", Phone: strPtr("11999998888")}}
	ix := r.NewIndex(existing)

	d := r.Resolve(ix, "t1", Entry{RemoteJID: "5511999998888@s.whatsapp.net", Name: "Maria Silva", Phone: "11999998888"})
	if d.Action != ActionMatch || d.Rename != "Maria Silva" {
		t.Errorf("decision = %+v, want match with rename", d)
	}

	existing[0].Name = "Maria Silva"
	d = r.Resolve(ix, "t1", Entry{RemoteJID: "5511999998888@s.whatsapp.net", Name: "11999998888"})
	if d.Rename != "" {
		t.Errorf("good name must not be downgraded, got rename %q", d.Rename)
	}
}

func TestResolveCreates(t *testing.T) {
	r := NewResolver(brazil)
	ix := r.NewIndex(nil)

	d := r.Resolve(ix, "t1", Entry{RemoteJID: "11999998888@s.whatsapp.net", Name: "Ana"})
	if d.Action != ActionCreate {
		t.Fatalf("action = %v, want create", d.Action)
	}
	if d.Contact.Name != "Ana" || d.Contact.PhoneNumber() != "5511999998888" || d.Contact.TenantID != "t1" {
		t.Errorf("new contact = %+v", d.Contact)
	}
	if d.Remote.JID != "5511999998888@s.whatsapp.net" || d.Contact.RemoteJID() != d.Remote.JID {
		t.Errorf("new contact = %+v", d.Contact)
	}

	g := r.Resolve(ix, "t1", Entry{RemoteJID: "120363025246125888@g.us"})
	if g.Action != ActionCreate || g.Contact.Phone != nil || g.Contact.Name != "Group 5888" {
		t.Errorf("group contact = %+v", g.Contact)
	}
	if g.Contact.Metadata[store.MetaIsGroup] != true {
		t.Errorf("group metadata = %v", g.Contact.Metadata)
	}

	o := r.Resolve(ix, "t1", Entry{RemoteJID: "222333444555@lid", Name: "Linked"})
	if o.Action != ActionCreate || o.Contact.Phone != nil || o.Contact.RemoteJID() != "222333444555@lid" {
		t.Errorf("opaque contact = %+v", o.Contact)
	}

	ix.Add(o.Contact)
	again := r.Resolve(ix, "t1", Entry{RemoteJID: "222333444555@lid"})
	if again.Action != ActionMatch {
		t.Errorf("opaque identifier should match once indexed, got %v", again.Action)
	}
}

func TestResolveSkipsBroadcastAndInvalid(t *testing.T) {
	r := NewResolver(brazil)
	ix := r.NewIndex(nil)
	for _, jid := range []string{"status@broadcast", "", "@"} {
		if d := r.Resolve(ix, "t1", Entry{RemoteJID: jid}); d.Action != ActionSkip {
			t.Errorf("Resolve(%q) = %v, want skip", jid, d.Action)
		}
	}
}

func TestConversationJIDFallsBackToContact(t *testing.T) {
	r := NewResolver(brazil)
	conv := &store.Conversation{Metadata: datatypes.JSONMap{}}
	contact := &store.Contact{Phone: strPtr("11999998888")}

	id := r.ConversationJID(conv, contact)
	if id.Kind != KindDirect || id.JID != "5511999998888@s.whatsapp.net" {
		t.Errorf("ConversationJID = %+v", id)
	}

	conv.Metadata[store.MetaRemoteJID] = "120363025246125888@g.us"
	if id := r.ConversationJID(conv, contact); id.Kind != KindGroup {
		t.Errorf("metadata identifier should win, got %+v", id)
	}

	if id := r.ConversationJID(&store.Conversation{}, nil); id.Kind != KindInvalid {
		t.Errorf("no identifiers = %+v", id)
	}
}

func TestGeneratedNamesStayUpgradeable(t *testing.T) {
	tests := []struct {
		id   RemoteID
		want string
	}{
		{RemoteID{JID: "abc@lid", User: "abc", Kind: KindOpaque}, "Contact"},
		{RemoteID{JID: "team@g.us", User: "team", Kind: KindGroup}, "Group"},
		{RemoteID{Kind: KindInvalid}, "Contact"},
		{RemoteID{JID: "x7y8@lid", User: "x7y8", Kind: KindOpaque}, "Contact 78"},
	}
	for _, tt := range tests {
		got := PlaceholderName(tt.id)
		if got != tt.want {
			t.Errorf("PlaceholderName(%+v) = %q, want %q", tt.id, got, tt.want)
		}
		if !IsPlaceholderName(got) {
			t.Errorf("IsPlaceholderName(%q) = false, generated names must be upgradeable", got)
		}
		if !ShouldUpgradeName(got, "Maria Silva") {
			t.Errorf("ShouldUpgradeName(%q, Maria Silva) = false", got)
		}
	}
	for _, n := range []string{"contact", " GROUP "} {
		if !IsPlaceholderName(n) {
			t.Errorf("IsPlaceholderName(%q) = false, want true", n)
		}
	}
}
