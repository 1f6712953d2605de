// Package mediaretry asks the phone to re-upload media whose download link
// expired, and applies the new path once the phone answers.
package mediaretry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waMmsRetry"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/Exiqonbotz/phoenix-baileys/internal/metrics"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// MediaHost prefixes a direct path to form a download URL.
const MediaHost = "https://mmg.whatsapp.net"

var ErrNotMedia = errors.New("mediaretry: message has no media content")

// StatusCode maps a retry result to an HTTP-like status. Unknown results are 404.
func StatusCode(result waMmsRetry.MediaRetryNotification_ResultType) int {
	switch result {
	case waMmsRetry.MediaRetryNotification_SUCCESS:
		return 200
	case waMmsRetry.MediaRetryNotification_DECRYPTION_ERROR:
		return 412
	case waMmsRetry.MediaRetryNotification_NOT_FOUND:
		return 404
	case waMmsRetry.MediaRetryNotification_GENERAL_ERROR:
		return 418
	default:
		return 404
	}
}

// DeviceError is a failure reported by the phone or the server.
type DeviceError struct {
	Result       waMmsRetry.MediaRetryNotification_ResultType
	StatusCode   int
	Notification *waMmsRetry.MediaRetryNotification
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("media re-upload failed by device (%s, status %d)", e.Result, e.StatusCode)
}

// DecodeError is a retry answer we could not decrypt or parse.
type DecodeError struct {
	StatusCode int
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("media retry answer undecodable (status %d): %v", e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Update is a media retry answer as delivered by the receive side.
type Update struct {
	Key        *waCommon.MessageKey
	Ciphertext []byte
	IV         []byte
	// Err is set when the answer itself carried an error.
	Err error
}

// ParseNotification reads a mediaretry notification node.
func ParseNotification(node *waBinary.Node) (Update, error) {
	rmr, ok := node.GetOptionalChildByTag("rmr")
	if !ok {
		return Update{}, fmt.Errorf("mediaretry: notification has no rmr")
	}
	ag := node.AttrGetter()
	key := &waCommon.MessageKey{
		ID:        proto.String(ag.String("id")),
		RemoteJID: proto.String(attrString(rmr.Attrs, "jid")),
		FromMe:    proto.Bool(attrString(rmr.Attrs, "from_me") == "true"),
	}
	if p := attrString(rmr.Attrs, "participant"); p != "" {
		key.Participant = proto.String(p)
	}
	if !ag.OK() {
		return Update{}, fmt.Errorf("mediaretry: %w", ag.Error())
	}
	if key.GetRemoteJID() == "" {
		return Update{}, fmt.Errorf("mediaretry: rmr has no jid")
	}
	update := Update{Key: key}

	if errNode, ok := node.GetOptionalChildByTag("error"); ok {
		s, _ := errNode.Attrs["code"].(string)
		code, _ := strconv.Atoi(s)
		result := waMmsRetry.MediaRetryNotification_ResultType(code)
		update.Err = &DeviceError{Result: result, StatusCode: StatusCode(result)}
		return update, nil
	}
	enc, _ := node.GetOptionalChildByTag("encrypt")
	encP, _ := enc.GetChildByTag("enc_p").Content.([]byte)
	encIV, _ := enc.GetChildByTag("enc_iv").Content.([]byte)
	if len(encP) == 0 || len(encIV) == 0 {
		update.Err = &DecodeError{StatusCode: 404, Err: errors.New("missing ciphertext")}
		return update, nil
	}
	update.Ciphertext = encP
	update.IV = encIV
	return update, nil
}

// attrString reads an attribute that may have been decoded as a JID.
func attrString(attrs waBinary.Attrs, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case types.JID:
		return v.String()
	}
	return ""
}

type Config struct {
	Transport   wa.Transport
	Credentials wa.Credentials
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Requester sends retry requests and routes answers to waiting callers.
type Requester struct {
	transport wa.Transport
	me        wa.Credentials
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	waiters map[string][]chan Update
}

func New(cfg Config) *Requester {
	return &Requester{
		transport: cfg.Transport,
		me:        cfg.Credentials,
		logger:    cfg.Logger.With().Str("component", "mediaretry").Logger(),
		metrics:   cfg.Metrics,
		waiters:   make(map[string][]chan Update),
	}
}

// UpdateMediaMessage requests a re-upload of the media in msg and blocks
// until the answer arrives through Deliver. On success the media content's
// direct path and URL are replaced in place.
func (r *Requester) UpdateMediaMessage(ctx context.Context, key *waCommon.MessageKey, msg *waE2E.Message) error {
	media, ok := mediaContent(msg)
	if !ok {
		return ErrNotMedia
	}
	id := key.GetID()
	node, err := r.requestNode(key, media.key)
	if err != nil {
		return fmt.Errorf("mediaretry: %w", err)
	}

	ch := r.wait(id)
	defer r.cancel(id, ch)

	if err := r.transport.SendNode(ctx, node); err != nil {
		r.metrics.MediaRetry("send_error")
		return fmt.Errorf("mediaretry: send: %w", err)
	}

	var update Update
	select {
	case <-ctx.Done():
		return ctx.Err()
	case update = <-ch:
	}
	if update.Err != nil {
		r.metrics.MediaRetry("device_error")
		return update.Err
	}

	notif, err := decryptNotification(update.Ciphertext, update.IV, media.key, id)
	if err != nil {
		r.metrics.MediaRetry("decode_error")
		return &DecodeError{StatusCode: 412, Err: err}
	}
	if notif.GetResult() != waMmsRetry.MediaRetryNotification_SUCCESS {
		r.metrics.MediaRetry("device_error")
		return &DeviceError{Result: notif.GetResult(), StatusCode: StatusCode(notif.GetResult()), Notification: notif}
	}
	*media.directPath = proto.String(notif.GetDirectPath())
	*media.url = proto.String(MediaHost + notif.GetDirectPath())
	r.metrics.MediaRetry("success")
	r.logger.Debug().Str("direct_path", notif.GetDirectPath()).Str("id", id).Msg("media update successful")
	return nil
}

// Deliver hands retry answers to their waiting callers and reports how many
// were claimed.
func (r *Requester) Deliver(updates ...Update) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := 0
	for _, u := range updates {
		id := u.Key.GetID()
		chans := r.waiters[id]
		if len(chans) == 0 {
			continue
		}
		for _, ch := range chans {
			ch <- u
		}
		delete(r.waiters, id)
		claimed++
	}
	return claimed
}

func (r *Requester) wait(id string) chan Update {
	ch := make(chan Update, 1)
	r.mu.Lock()
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()
	return ch
}

func (r *Requester) cancel(id string, ch chan Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.waiters[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(r.waiters, id)
	} else {
		r.waiters[id] = chans
	}
}

func (r *Requester) requestNode(key *waCommon.MessageKey, mediaKey []byte) (waBinary.Node, error) {
	ciphertext, iv, err := encryptRequest(key.GetID(), mediaKey)
	if err != nil {
		return waBinary.Node{}, err
	}
	rmr := waBinary.Attrs{
		"jid":     key.GetRemoteJID(),
		"from_me": strconv.FormatBool(key.GetFromMe()),
	}
	if p := key.GetParticipant(); p != "" {
		rmr["participant"] = p
	}
	return waBinary.Node{
		Tag: "receipt",
		Attrs: waBinary.Attrs{
			"id":   key.GetID(),
			"to":   wa.Bare(r.me.ID),
			"type": "server-error",
		},
		Content: []waBinary.Node{
			{Tag: "encrypt", Content: []waBinary.Node{
				{Tag: "enc_p", Content: ciphertext},
				{Tag: "enc_iv", Content: iv},
			}},
			{Tag: "rmr", Attrs: rmr},
		},
	}, nil
}

type media struct {
	key        []byte
	directPath **string
	url        **string
}

func mediaContent(msg *waE2E.Message) (media, bool) {
	msg = unwrap(msg)
	switch {
	case msg.GetDocumentMessage() != nil:
		m := msg.DocumentMessage
		return media{m.MediaKey, &m.DirectPath, &m.URL}, len(m.MediaKey) > 0
	case msg.GetImageMessage() != nil:
		m := msg.ImageMessage
		return media{m.MediaKey, &m.DirectPath, &m.URL}, len(m.MediaKey) > 0
	case msg.GetVideoMessage() != nil:
		m := msg.VideoMessage
		return media{m.MediaKey, &m.DirectPath, &m.URL}, len(m.MediaKey) > 0
	case msg.GetAudioMessage() != nil:
		m := msg.AudioMessage
		return media{m.MediaKey, &m.DirectPath, &m.URL}, len(m.MediaKey) > 0
	case msg.GetStickerMessage() != nil:
		m := msg.StickerMessage
		return media{m.MediaKey, &m.DirectPath, &m.URL}, len(m.MediaKey) > 0
	}
	return media{}, false
}

func unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < 4 && msg != nil; i++ {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}
