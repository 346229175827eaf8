// Copyright 2024-2026 Aiku AI

package forward

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/metrics"
	"github.com/aiku/waforward/pkg/queue"
	"github.com/aiku/waforward/pkg/session"
	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/wanode"
)

// AssetWriter stores downloaded media.
type AssetWriter interface {
	DrainAsset(slug, kind, ext string, r io.Reader) (path string, n int, err error)
}

// Dispatcher turns inbound messages from the configured sender into queued
// forward jobs. It is a session.Listener.
type Dispatcher struct {
	cfg    Config
	queue  queue.Queue
	assets AssetWriter
	typist typist
	log    zerolog.Logger

	replies sync.WaitGroup
}

var _ session.Listener = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, q queue.Queue, assets AssetWriter, log zerolog.Logger) *Dispatcher {
	cfg = cfg.Normalized()
	return &Dispatcher{
		cfg:    cfg,
		queue:  q,
		assets: assets,
		typist: newTypist(cfg),
		log:    log.With().Str("component", "dispatcher").Str("queue", q.Name()).Logger(),
	}
}

// HandleEvent implements session.Listener.
func (d *Dispatcher) HandleEvent(ctx context.Context, s *session.Session, evt transport.Event) {
	upsert, ok := evt.(*transport.MessagesUpsert)
	if !ok || upsert.Type != transport.UpsertNotify {
		return
	}
	for _, msg := range upsert.Messages {
		if !d.accepts(msg) {
			continue
		}
		d.dispatch(ctx, s, msg)
	}
}

// WaitReplies blocks until every in-flight invalid format reply finished.
func (d *Dispatcher) WaitReplies() {
	d.replies.Wait()
}

func (d *Dispatcher) accepts(msg transport.Message) bool {
	if msg.Payload == nil || msg.Key.FromMe {
		return false
	}
	return d.cfg.Sender != "" && wanode.NormalizeUser(msg.Key.RemoteJID) == d.cfg.Sender
}

func (d *Dispatcher) dispatch(ctx context.Context, s *session.Session, msg transport.Message) {
	log := d.log.With().Str("session", s.Slug).Str("message_id", msg.Key.ID).Logger()
	job := queue.Job{Session: s.Slug, SimulatePresence: d.cfg.SimulatePresence}
	var err error
	switch p := msg.Payload.(type) {
	case *transport.Text:
		job.Kind = queue.KindText
		job.Text = StripMarker(p.Body, d.cfg.Marker)
	case *transport.ExtendedText:
		job.Kind = queue.KindExtended
		extended := *p
		job.Extended = &extended
	case *transport.Image:
		job.Kind = queue.KindImage
		job.Caption = p.Caption
		job.Mimetype = p.Media.Mimetype
		job.AssetPath, err = d.storeMedia(ctx, s, "image", mediaExt(p.Media.Mimetype, "", "jpeg"), p.Media)
	case *transport.Document:
		job.Kind = queue.KindDocument
		job.Caption = p.Caption
		job.FileName = p.FileName
		job.Mimetype = p.Media.Mimetype
		job.AssetPath, err = d.storeMedia(ctx, s, "document", mediaExt(p.Media.Mimetype, p.FileName, "pdf"), p.Media)
	default:
		d.replyInvalid(ctx, s, msg)
		return
	}
	if err != nil {
		log.Err(err).Str("kind", string(job.Kind)).Msg("Failed to store media, not forwarding")
		metrics.RecordForward(s.Slug, "enqueue", string(job.Kind), err)
		return
	}

	targets := d.targets(s)
	if len(targets) == 0 {
		log.Warn().Str("target_chat_name", d.cfg.TargetChatName).Msg("No target chats known, dropping message")
		return
	}
	for _, target := range targets {
		job.Target = target
		err = d.queue.Enqueue(ctx, job)
		metrics.RecordForward(s.Slug, "enqueue", string(job.Kind), err)
		if err != nil {
			log.Err(err).Str("target", target).Msg("Failed to enqueue forward job")
			continue
		}
		log.Debug().Str("target", target).Str("kind", string(job.Kind)).Msg("Enqueued forward job")
	}
}

// targets returns the configured chats followed by every mirrored chat
// carrying the target name, without duplicates.
func (d *Dispatcher) targets(s *session.Session) []string {
	seen := make(map[string]struct{}, len(d.cfg.Targets))
	out := make([]string, 0, len(d.cfg.Targets))
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range d.cfg.Targets {
		add(id)
	}
	for _, chat := range s.Mirror().ChatsNamed(d.cfg.TargetChatName) {
		add(chat.ID)
	}
	return out
}

func (d *Dispatcher) storeMedia(ctx context.Context, s *session.Session, kind, ext string, media transport.Media) (string, error) {
	r, err := s.Handle().DownloadMedia(ctx, media)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", kind, err)
	}
	defer r.Close()
	path, n, err := d.assets.DrainAsset(s.Slug, kind, ext, r)
	if err != nil {
		return "", err
	}
	d.log.Debug().Str("asset", filepath.Base(path)).Int("size", n).Msg("Stored forwarded media")
	return path, nil
}

// replyInvalid answers the sender directly without going through the queue.
// The reply runs in the background so the typing delay does not hold up the
// session's event stream.
func (d *Dispatcher) replyInvalid(ctx context.Context, s *session.Session, msg transport.Message) {
	kind := string(msg.Payload.Kind())
	if u, ok := msg.Payload.(*transport.Unsupported); ok && u.Type != "" {
		kind = u.Type
	}
	d.log.Info().Str("session", s.Slug).Str("payload", kind).Msg("Replying to unsupported message")
	handle := s.Handle()
	text := d.cfg.InvalidFormatReply
	d.replies.Add(1)
	go func() {
		defer d.replies.Done()
		_, err := d.typist.send(ctx, handle, msg.Key.RemoteJID, transport.OutgoingMessage{Text: &text}, true)
		metrics.RecordForward(s.Slug, "reply", string(transport.KindUnsupported), err)
		if err != nil && ctx.Err() == nil {
			d.log.Err(err).Str("session", s.Slug).Msg("Failed to send invalid format reply")
		}
	}()
}

// StripMarker returns the text after the last occurrence of marker. Text
// without the marker, or an empty marker, is returned unchanged.
func StripMarker(text, marker string) string {
	if marker == "" {
		return text
	}
	if i := strings.LastIndex(text, marker); i >= 0 {
		return text[i+len(marker):]
	}
	return text
}

var mimeExtensions = map[string]string{
	"image/jpeg":      "jpeg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"application/pdf": "pdf",
	"text/plain":      "txt",
	"application/zip": "zip",
}

// mediaExt picks the stored file extension: the file name's extension, then
// a known mimetype, then fallback.
func mediaExt(mimetype, fileName, fallback string) string {
	if ext := strings.TrimPrefix(filepath.Ext(fileName), "."); ext != "" {
		return strings.ToLower(ext)
	}
	base, _, _ := strings.Cut(mimetype, ";")
	if ext, ok := mimeExtensions[strings.TrimSpace(base)]; ok {
		return ext
	}
	return fallback
}
