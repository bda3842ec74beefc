package evolution

// ConnectionState is the remote instance connection state.
type ConnectionState string

const (
	StateOpen       ConnectionState = "open"
	StateConnecting ConnectionState = "connecting"
	StateClosed     ConnectionState = "close"
)

// Chat is one entry of the remote chat universe.
type Chat struct {
	RemoteJID     string
	Name          string
	ProfilePicURL string
	UnreadCount   int
	UpdatedAt     int64
}

// Contact is one entry of the remote contact universe.
type Contact struct {
	RemoteJID     string
	PushName      string
	Phone         string
	ProfilePicURL string
}

// Message is a remote chat message with its payload resolved to a typed variant.
type Message struct {
	ID          string
	RemoteJID   string
	FromMe      bool
	Participant string
	PushName    string
	MessageType string
	// Timestamp is the raw remote epoch, in seconds or milliseconds.
	Timestamp int64
	Payload   Payload
}

// Pairing is the response of the connect endpoint.
type Pairing struct {
	Code        string
	PairingCode string
	Base64      string
	Count       int
}

// PayloadKind names a message payload variant.
type PayloadKind string

const (
	KindText         PayloadKind = "text"
	KindExtendedText PayloadKind = "extended_text"
	KindImage        PayloadKind = "image"
	KindVideo        PayloadKind = "video"
	KindAudio        PayloadKind = "audio"
	KindDocument     PayloadKind = "document"
	KindSticker      PayloadKind = "sticker"
	KindLocation     PayloadKind = "location"
	KindContactCard  PayloadKind = "contact"
	KindOther        PayloadKind = "other"
)

// Payload is the tagged union of message contents.
type Payload interface {
	Kind() PayloadKind
}

type TextPayload struct{ Body string }

type ExtendedTextPayload struct{ Text string }

type ImagePayload struct{ Caption string }

type VideoPayload struct{ Caption string }

type AudioPayload struct {
	Seconds int
	Voice   bool
}

type DocumentPayload struct {
	FileName string
	Caption  string
}

type StickerPayload struct{}

type LocationPayload struct {
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
}

type ContactCardPayload struct {
	DisplayName string
	Count       int
}

// OtherPayload covers protocol and system messages with no textual content.
type OtherPayload struct{ Type string }

func (TextPayload) Kind() PayloadKind         { return KindText }
func (ExtendedTextPayload) Kind() PayloadKind { return KindExtendedText }
func (ImagePayload) Kind() PayloadKind        { return KindImage }
func (VideoPayload) Kind() PayloadKind        { return KindVideo }
func (AudioPayload) Kind() PayloadKind        { return KindAudio }
func (DocumentPayload) Kind() PayloadKind     { return KindDocument }
func (StickerPayload) Kind() PayloadKind      { return KindSticker }
func (LocationPayload) Kind() PayloadKind     { return KindLocation }
func (ContactCardPayload) Kind() PayloadKind  { return KindContactCard }
func (OtherPayload) Kind() PayloadKind        { return KindOther }
