package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/crmgate/internal/completion"
	"github.com/kalambet/crmgate/internal/composer"
	"github.com/kalambet/crmgate/internal/metadata"
	"github.com/kalambet/crmgate/internal/storage"
	"github.com/kalambet/crmgate/internal/tools"
)

// SettingsSource returns a tenant's active completion settings.
type SettingsSource interface {
	ActiveSettings(tenantID string) (storage.Settings, error)
}

// Snapshots supplies the cached schema catalogue.
type Snapshots interface {
	Get(ctx context.Context) (*metadata.Snapshot, error)
}

// Defaults apply when a tenant has no active settings.
type Defaults struct {
	Model       string
	Temperature float64
}

// Prepared is everything needed to build a completion request for one
// tenant. Snapshot is nil when the catalogue could not be loaded.
type Prepared struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	ExtraPrompt  string
	Snapshot     *metadata.Snapshot
	SettingsUsed bool
	DurationMs   int64
}

// Preparer loads tenant settings and the schema catalogue concurrently.
type Preparer struct {
	settings SettingsSource
	meta     Snapshots
	defaults Defaults
	composer *composer.Composer
}

func NewPreparer(settings SettingsSource, meta Snapshots, defaults Defaults, comp *composer.Composer) *Preparer {
	if comp == nil {
		comp = composer.New(0, 0)
	}
	return &Preparer{
		settings: settings,
		meta:     meta,
		defaults: defaults,
		composer: comp,
	}
}

// Prepare never fails: a settings or metadata error degrades to defaults
// and a prompt without the catalogue.
func (p *Preparer) Prepare(ctx context.Context, tenantID string) (out Prepared) {
	start := time.Now()
	defer func() {
		out.DurationMs = time.Since(start).Milliseconds()
	}()

	out.Model = p.defaults.Model
	out.Temperature = p.defaults.Temperature

	var st storage.Settings
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if p.settings == nil || tenantID == "" {
			return nil
		}
		s, err := p.settings.ActiveSettings(tenantID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				slog.Warn("prepare: failed to load settings", "tenant", tenantID, "error", err)
			}
			return nil
		}
		st = s
		out.SettingsUsed = true
		return nil
	})
	g.Go(func() error {
		if p.meta == nil {
			return nil
		}
		snap, err := p.meta.Get(gCtx)
		if err != nil {
			slog.Warn("prepare: metadata unavailable, prompting without schema", "error", err)
			return nil
		}
		out.Snapshot = snap
		return nil
	})
	g.Wait()

	if out.SettingsUsed {
		if st.Model != "" {
			out.Model = st.Model
		}
		if st.Temperature != nil {
			out.Temperature = *st.Temperature
		}
		out.MaxTokens = st.MaxTokens
		out.ExtraPrompt = st.SystemPrompt
	}

	slog.Debug("prepare complete",
		"model", out.Model,
		"settings", out.SettingsUsed,
		"metadata_columns", out.Snapshot.Len(),
	)
	return out
}

// ChatRequest builds the streaming statement-emitting request.
func (p *Preparer) ChatRequest(prep Prepared, history []completion.Message) completion.Request {
	system := composer.ChatPrompt(prep.Snapshot.Format(), prep.ExtraPrompt)
	return completion.Request{
		Model:       prep.Model,
		Messages:    p.composer.Compose(system, history),
		Stream:      true,
		Temperature: completion.Float(prep.Temperature),
		MaxTokens:   prep.MaxTokens,
	}
}

// AssistantRequest builds the first tool-calling request.
func (p *Preparer) AssistantRequest(prep Prepared, history []completion.Message, deep bool) completion.Request {
	system := composer.AssistantPrompt(prep.Snapshot.FormatTables(tools.QueryTables), deep)
	return completion.Request{
		Model:       prep.Model,
		Messages:    p.composer.Compose(system, history),
		Temperature: completion.Float(prep.Temperature),
		MaxTokens:   prep.MaxTokens,
		Tools:       tools.Definitions(),
	}
}
