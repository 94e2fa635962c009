package hostapi

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/agentworkforce/relaymd/internal/docstore"
	"github.com/agentworkforce/relaymd/internal/hostproto"
	"github.com/agentworkforce/relaymd/internal/imagestore"
	"github.com/agentworkforce/relaymd/internal/syncengine"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

func (s *Server) ingest(ctx context.Context, documentID string, raw []byte, sender *wsClient) (hostproto.Message, error) {
	env, err := hostproto.DecodeEnvelope(raw)
	if err != nil {
		return hostproto.Message{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return s.applyEnvelope(ctx, documentID, env, sender)
}

// ApplyEnvelope stores an editor envelope and returns the acknowledgement for
// it. Attachments are moved into the image store and their match keys in the
// content are replaced with image references. An envelope seen before is
// acknowledged again without being applied.
func (s *Server) ApplyEnvelope(ctx context.Context, documentID string, env syncengine.Envelope) (hostproto.Message, error) {
	return s.applyEnvelope(ctx, documentID, env, nil)
}

func (s *Server) applyEnvelope(ctx context.Context, documentID string, env syncengine.Envelope, sender *wsClient) (hostproto.Message, error) {
	unlock := s.lockDocument(documentID)
	defer unlock()

	doc, err := s.loadOrNew(ctx, documentID)
	if err != nil {
		return hostproto.Message{}, err
	}
	seenKey := documentID + "|" + env.ID
	if env.ID != "" {
		if env.ID == doc.LastEnvelopeID {
			return hostproto.AckMessage(env.ID, env.Seq, doc.Revision), nil
		}
		if rev, ok := s.seen.Get(seenKey); ok {
			return hostproto.AckMessage(env.ID, env.Seq, rev), nil
		}
	}

	content, err := s.externalize(ctx, documentID, env.Content, env.Attachments)
	if err != nil {
		return hostproto.Message{}, err
	}
	changed := doc.Revision == 0 || content != doc.Content
	if changed {
		doc.Content = content
		doc.Revision++
		doc.UpdatedAt = time.Now().UTC()
	}
	doc.LastEnvelopeID = env.ID
	doc.LastSeq = env.Seq
	if err := s.docs.Save(ctx, doc); err != nil {
		return hostproto.Message{}, err
	}
	if env.ID != "" {
		s.seen.Add(seenKey, doc.Revision)
	}
	if changed {
		s.publish(doc, sender, true)
	}
	return hostproto.AckMessage(env.ID, env.Seq, doc.Revision), nil
}

// externalize saves the envelope's attachments and rewrites their match keys.
// Inline images whose bytes are already stored are rewritten too, since the
// editor keeps showing the inline form after the host has saved it.
func (s *Server) externalize(ctx context.Context, documentID, content string, atts []syncengine.PendingAttachment) (string, error) {
	for _, att := range atts {
		data, mimeType, err := imagestore.DecodeDataURI(att.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: attachment %q: %v", ErrInvalidEnvelope, att.OriginalName, err)
		}
		if len(data) == 0 {
			return "", fmt.Errorf("%w: attachment %q is empty", ErrInvalidEnvelope, att.OriginalName)
		}
		name := imagestore.FileName(att.OriginalName, data, mimeType)
		if err := s.images.Save(ctx, documentID, name, data, mimeType); err != nil {
			return "", fmt.Errorf("save attachment %q: %w", att.OriginalName, err)
		}
		if att.MatchKey != "" {
			content = strings.ReplaceAll(content, att.MatchKey, s.cfg.ImageRef(documentID, name))
		}
	}
	return s.rewriteStoredInline(ctx, documentID, content)
}

func (s *Server) rewriteStoredInline(ctx context.Context, documentID, content string) (string, error) {
	ranges := s.inline.Scan(content).Ranges
	if len(ranges) == 0 {
		return content, nil
	}
	names, err := s.images.List(ctx, documentID)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return content, nil
	}
	// Stored names share the content hash stem whatever extension they got.
	byStem := make(map[string]string, len(names))
	for _, name := range names {
		byStem[strings.TrimSuffix(name, path.Ext(name))] = name
	}
	for i := len(ranges) - 1; i >= 0; i-- {
		r := ranges[i]
		prefix := "data:" + r.MimeType + ";base64,"
		start := r.Start - len(prefix)
		if start < 0 || content[start:r.Start] != prefix {
			continue
		}
		data, mimeType, err := imagestore.DecodeDataURI(content[start:r.End])
		if err != nil {
			continue
		}
		candidate := imagestore.FileName("", data, mimeType)
		name, ok := byStem[strings.TrimSuffix(candidate, path.Ext(candidate))]
		if !ok {
			continue
		}
		content = content[:start] + s.cfg.ImageRef(documentID, name) + content[r.End:]
	}
	return content, nil
}

func valueMessage(doc docstore.Document) hostproto.Message {
	return hostproto.ValueMessage(syncengine.Some(doc.Content), doc.Revision)
}
