package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recambio/pkg/media"
	"recambio/pkg/orders"
)

// PartKind distinguishes evidence items.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is one evidence item sent to the model.
type Part struct {
	Kind      PartKind
	Text      string
	Ref       string
	MediaType string
	Data      []byte
}

// MediaLoader resolves attachment references.
type MediaLoader interface {
	Load(ctx context.Context, ref string) (media.Blob, error)
}

// BuildEvidence lays out a history as model input: one text part per
// message, followed by one part per attachment of that message. Images are
// inlined; other attachments and missing files become a text note so the
// model still sees the reference.
func BuildEvidence(ctx context.Context, loader MediaLoader, history []orders.Message) ([]Part, error) {
	parts := make([]Part, 0, len(history))
	for _, message := range history {
		text := "Mensaje del mecánico: " + strings.TrimSpace(message.Content)
		if message.HasMedia() {
			text += " [archivos adjuntos: " + strings.Join(message.Media, ", ") + "]"
		}
		parts = append(parts, Part{Kind: PartText, Text: text})

		for _, ref := range message.Media {
			part, err := attachmentPart(ctx, loader, ref)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
	}

	return parts, nil
}

func attachmentPart(ctx context.Context, loader MediaLoader, ref string) (Part, error) {
	if loader == nil {
		return Part{Kind: PartText, Text: fmt.Sprintf("Archivo adjunto %s (no disponible)", ref)}, nil
	}

	blob, err := loader.Load(ctx, ref)
	switch {
	case errors.Is(err, media.ErrMediaNotFound), errors.Is(err, media.ErrInvalidReference):
		return Part{Kind: PartText, Text: fmt.Sprintf("Archivo adjunto %s (no disponible)", ref)}, nil
	case err != nil:
		return Part{}, fmt.Errorf("load attachment %s: %w", ref, err)
	}

	if !blob.IsImage() {
		return Part{
			Kind: PartText,
			Text: fmt.Sprintf("Archivo adjunto %s (%s, contenido no mostrado)", ref, blob.MediaType),
		}, nil
	}

	return Part{
		Kind:      PartImage,
		Ref:       ref,
		MediaType: blob.MediaType,
		Data:      blob.Data,
	}, nil
}
