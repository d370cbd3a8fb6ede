package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/media"
	"github.com/rmedina/waflow/pkg/provider"
	"github.com/rmedina/waflow/pkg/retry"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
	"github.com/rmedina/waflow/pkg/vision"
)

// EnrichmentDeps are the collaborators the media enrichment tasks resume
// sessions with. Archive is optional; when set, downloaded media is
// archived before analysis.
type EnrichmentDeps struct {
	Store    store.Store
	Sender   flow.Sender
	Provider provider.Client
	OCR      vision.OCRClient
	Vision   vision.VisionClient
	Archive  media.ArchiveStore
	Retry    retry.Options
}

// OCRRequest describes one image-to-fields enrichment.
type OCRRequest struct {
	Identity       string
	MediaID        string
	MimeType       string
	CorrelationID  string
	RequiredFields []string

	// FallbackText is sent when the task fails. Defaults to a generic
	// retry prompt.
	FallbackText string
}

// NewOCRTask builds the task that downloads the image, extracts fields via
// OCR, and folds them into the session's field bag under optimistic
// locking. The final commit retries against fresh reads, so a concurrent
// text event racing the task cannot lose the OCR results; the confirmation
// message is sent once, after the commit wins.
func NewOCRTask(deps EnrichmentDeps, req OCRRequest) Task {
	return Task{
		Name:          "ocr",
		Identity:      req.Identity,
		CorrelationID: req.CorrelationID,
		Run: func(ctx context.Context) error {
			data, err := fetchMedia(ctx, deps, req.Identity, req.MediaID, req.MimeType)
			if err != nil {
				return err
			}

			result, err := deps.OCR.ExtractFields(ctx, data, req.MimeType)
			if err != nil {
				return fmt.Errorf("ocr extraction failed: %w", err)
			}

			batch := make(map[string]flow.FieldValue, len(result.Fields))
			for name, guess := range result.Fields {
				batch[name] = flow.FieldValue{
					Value: guess.Value,
					Meta:  flow.FieldMeta{Source: "ocr", Confidence: guess.Confidence},
				}
			}
			if len(batch) == 0 {
				return deps.Sender.SendText(ctx, req.Identity,
					"No pude leer datos en la imagen. Intenta con una foto más clara.")
			}

			var missing []string
			err = retry.WithSession(ctx, deps.Store, req.Identity, func(fresh *session.Session) error {
				bag := flow.NewFieldBag(flow.NewContext(ctx, fresh, req.CorrelationID, flow.Dependencies{
					Store:  deps.Store,
					Sender: deps.Sender,
				}), req.RequiredFields)
				if err := bag.UpdateFields(batch); err != nil {
					return err
				}
				missing = bag.GetMissingFields()
				return nil
			}, deps.Retry)
			if err != nil {
				return fmt.Errorf("failed to commit ocr fields: %w", err)
			}

			return deps.Sender.SendText(ctx, req.Identity, ocrSummary(batch, missing))
		},
		OnFailure: func(ctx context.Context, _ error) error {
			text := req.FallbackText
			if text == "" {
				text = "No pude procesar tu imagen en este momento. Por favor intenta de nuevo."
			}
			return deps.Sender.SendText(ctx, req.Identity, text)
		},
	}
}

// VisionRequest describes one scene-analysis enrichment.
type VisionRequest struct {
	Identity      string
	MediaID       string
	MimeType      string
	CorrelationID string

	// FieldName is where the analysis lands in the field bag.
	// Default: analisis.
	FieldName string

	FallbackText string
}

// NewVisionTask builds the task that downloads an image, runs scene
// analysis, and records the result as a single field-bag entry.
func NewVisionTask(deps EnrichmentDeps, req VisionRequest) Task {
	fieldName := req.FieldName
	if fieldName == "" {
		fieldName = "analisis"
	}

	return Task{
		Name:          "vision",
		Identity:      req.Identity,
		CorrelationID: req.CorrelationID,
		Run: func(ctx context.Context) error {
			data, err := fetchMedia(ctx, deps, req.Identity, req.MediaID, req.MimeType)
			if err != nil {
				return err
			}

			analysis, err := deps.Vision.Analyze(ctx, data, req.MimeType)
			if err != nil {
				return fmt.Errorf("vision analysis failed: %w", err)
			}

			confidence := 0.0
			if len(analysis.Labels) > 0 {
				confidence = analysis.Labels[0].Confidence
			}

			err = retry.WithSession(ctx, deps.Store, req.Identity, func(fresh *session.Session) error {
				bag := flow.NewFieldBag(flow.NewContext(ctx, fresh, req.CorrelationID, flow.Dependencies{
					Store:  deps.Store,
					Sender: deps.Sender,
				}), nil)
				return bag.UpdateField(fieldName, analysis.Description, flow.FieldMeta{
					Source:     "vision",
					Confidence: confidence,
				})
			}, deps.Retry)
			if err != nil {
				return fmt.Errorf("failed to commit vision analysis: %w", err)
			}

			if analysis.Description == "" {
				return deps.Sender.SendText(ctx, req.Identity, "Recibí tu imagen, gracias.")
			}
			return deps.Sender.SendText(ctx, req.Identity,
				fmt.Sprintf("Esto es lo que veo en tu imagen: %s", analysis.Description))
		},
		OnFailure: func(ctx context.Context, _ error) error {
			text := req.FallbackText
			if text == "" {
				text = "No pude analizar tu imagen en este momento. Por favor intenta de nuevo."
			}
			return deps.Sender.SendText(ctx, req.Identity, text)
		},
	}
}

// fetchMedia resolves and downloads provider-hosted media, archiving a copy
// when an archive is configured. Archive failures are logged, not fatal:
// the enrichment matters more than the copy.
func fetchMedia(ctx context.Context, deps EnrichmentDeps, identity, mediaID, mimeType string) ([]byte, error) {
	info, err := deps.Provider.MediaURL(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media %s: %w", mediaID, err)
	}
	data, err := deps.Provider.DownloadMedia(ctx, info.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download media %s: %w", mediaID, err)
	}

	if deps.Archive != nil {
		if _, aerr := deps.Archive.Put(ctx, identity, mediaID, mimeType, data); aerr != nil {
			logger.WarnCtx(ctx, "media archive failed",
				logger.MediaID(mediaID),
				logger.Err(aerr),
			)
		}
	}
	return data, nil
}

func ocrSummary(batch map[string]flow.FieldValue, missing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Procesé tu imagen y detecté %d dato(s).", len(batch))
	if len(missing) > 0 {
		fmt.Fprintf(&b, " Aún falta: %s.", strings.Join(missing, ", "))
	} else {
		b.WriteString(" La información está completa.")
	}
	return b.String()
}
