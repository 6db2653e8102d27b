package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Media types stored alongside recorded messages.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// ErrNoMedia is returned when a message carries no downloadable attachment.
var ErrNoMedia = errors.New("message has no media")

// Message is a received or sent WhatsApp message.
type Message struct {
	ID        string
	Chat      string // JID of chat (group or personal)
	Sender    string // JID of sender
	PushName  string
	Content   string // text or caption
	Timestamp time.Time
	IsFromMe  bool
	IsGroup   bool
	MediaType string // one of the Media* constants, empty for text
	Media     []byte // serialized media message, needed to download it later
}

// MessageHandler is a callback for recorded messages.
type MessageHandler func(Message)

// Chat is a conversation the account can send to.
type Chat struct {
	JID     string `json:"jid"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup"`
}

// File is an attachment to upload.
type File struct {
	Name    string
	MIME    string
	Data    []byte
	Caption string
}

// parseMessage converts a whatsmeow event to a Message. Unsupported message
// types yield nil.
func parseMessage(evt *events.Message) *Message {
	if evt == nil || evt.Message == nil {
		return nil
	}
	info := evt.Info

	msg := &Message{
		ID:        info.ID,
		Chat:      info.Chat.String(),
		Sender:    info.Sender.ToNonAD().String(),
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		IsFromMe:  info.IsFromMe,
		IsGroup:   info.IsGroup,
	}

	m := evt.Message
	var media proto.Message
	switch {
	case m.Conversation != nil:
		msg.Content = m.GetConversation()
	case m.ExtendedTextMessage != nil:
		msg.Content = m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		msg.MediaType, media = MediaImage, m.ImageMessage
		msg.Content = captionOr(m.ImageMessage.GetCaption(), "[Image]")
	case m.VideoMessage != nil:
		msg.MediaType, media = MediaVideo, m.VideoMessage
		msg.Content = captionOr(m.VideoMessage.GetCaption(), "[Video]")
	case m.AudioMessage != nil:
		msg.MediaType, media = MediaAudio, m.AudioMessage
		msg.Content = "[Voice Message]"
	case m.DocumentMessage != nil:
		msg.MediaType, media = MediaDocument, m.DocumentMessage
		msg.Content = captionOr(m.DocumentMessage.GetCaption(), "[Document] "+m.DocumentMessage.GetFileName())
	default:
		return nil
	}

	if media != nil {
		raw, err := proto.Marshal(media)
		if err == nil {
			msg.Media = raw
		}
	}
	return msg
}

func captionOr(caption, fallback string) string {
	if caption != "" {
		return caption
	}
	return strings.TrimSpace(fallback)
}

// mediaTypeFor picks the WhatsApp media kind for a MIME type.
func mediaTypeFor(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MediaImage
	case strings.HasPrefix(mime, "video/"):
		return MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return MediaAudio
	default:
		return MediaDocument
	}
}

// SendText sends a text message and returns its WhatsApp ID.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}

	resp, err := c.wac.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	c.record(Message{
		ID:        resp.ID,
		Chat:      jid.String(),
		Sender:    c.ownJID(),
		Content:   text,
		Timestamp: resp.Timestamp,
		IsFromMe:  true,
		IsGroup:   jid.Server == types.GroupServer,
	})
	return resp.ID, nil
}

// SendFile uploads f and sends it as an image, video, audio or document
// message depending on its MIME type.
func (c *Client) SendFile(ctx context.Context, to string, f File) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	if len(f.Data) == 0 {
		return "", errors.New("empty file")
	}
	if f.MIME == "" {
		f.MIME = "application/octet-stream"
	}

	kind := mediaTypeFor(f.MIME)
	appInfo := map[string]whatsmeow.MediaType{
		MediaImage:    whatsmeow.MediaImage,
		MediaVideo:    whatsmeow.MediaVideo,
		MediaAudio:    whatsmeow.MediaAudio,
		MediaDocument: whatsmeow.MediaDocument,
	}[kind]

	up, err := c.wac.Upload(ctx, f.Data, appInfo)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", kind, err)
	}

	size := uint64(len(f.Data))
	msg := &waProto.Message{}
	var media proto.Message
	switch kind {
	case MediaImage:
		msg.ImageMessage = &waProto.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(f.MIME),
			Caption:       proto.String(f.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}
		media = msg.ImageMessage
	case MediaVideo:
		msg.VideoMessage = &waProto.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(f.MIME),
			Caption:       proto.String(f.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}
		media = msg.VideoMessage
	case MediaAudio:
		msg.AudioMessage = &waProto.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(f.MIME),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}
		media = msg.AudioMessage
	default:
		msg.DocumentMessage = &waProto.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(f.MIME),
			Title:         proto.String(f.Name),
			FileName:      proto.String(f.Name),
			Caption:       proto.String(f.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}
		media = msg.DocumentMessage
	}

	resp, err := c.wac.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", kind, err)
	}

	raw, _ := proto.Marshal(media)
	c.record(Message{
		ID:        resp.ID,
		Chat:      jid.String(),
		Sender:    c.ownJID(),
		Content:   captionOr(f.Caption, "["+kind+"] "+f.Name),
		Timestamp: resp.Timestamp,
		IsFromMe:  true,
		IsGroup:   jid.Server == types.GroupServer,
		MediaType: kind,
		Media:     raw,
	})
	return resp.ID, nil
}

// ListChats returns joined groups followed by saved contacts, each sorted
// by name.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	groups, err := c.wac.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	contacts, err := c.wac.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}

	chats := make([]Chat, 0, len(groups)+len(contacts))
	for _, g := range groups {
		chats = append(chats, Chat{JID: g.JID.String(), Name: g.Name, IsGroup: true})
	}
	for jid, info := range contacts {
		chats = append(chats, Chat{JID: jid.String(), Name: contactName(info)})
	}

	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].IsGroup != chats[j].IsGroup {
			return chats[i].IsGroup
		}
		if chats[i].Name != chats[j].Name {
			return chats[i].Name < chats[j].Name
		}
		return chats[i].JID < chats[j].JID
	})
	return chats, nil
}

func contactName(info types.ContactInfo) string {
	for _, n := range []string{info.FullName, info.FirstName, info.PushName, info.BusinessName} {
		if n != "" {
			return n
		}
	}
	return ""
}

// DownloadMedia fetches and decrypts the attachment of a recorded message.
func (c *Client) DownloadMedia(ctx context.Context, mediaType string, raw []byte) ([]byte, error) {
	msg, err := decodeMedia(mediaType, raw)
	if err != nil {
		return nil, err
	}
	data, err := c.wac.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", mediaType, err)
	}
	return data, nil
}

// decodeMedia rebuilds the downloadable message stored with a recording.
func decodeMedia(mediaType string, raw []byte) (whatsmeow.DownloadableMessage, error) {
	if len(raw) == 0 {
		return nil, ErrNoMedia
	}

	var msg interface {
		proto.Message
		whatsmeow.DownloadableMessage
	}
	switch mediaType {
	case MediaImage:
		msg = &waProto.ImageMessage{}
	case MediaVideo:
		msg = &waProto.VideoMessage{}
	case MediaAudio:
		msg = &waProto.AudioMessage{}
	case MediaDocument:
		msg = &waProto.DocumentMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown media type %q", ErrNoMedia, mediaType)
	}
	if err := proto.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", mediaType, err)
	}
	return msg, nil
}
