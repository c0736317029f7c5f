package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

// SchemaSource loads stored schema documents.
type SchemaSource interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SchemaDocument, error)
}

type HandlerConfig struct {
	// DataDir confines relative dataset paths; empty allows any path.
	DataDir string
	// OutputDir is where file sink output goes, one directory per job.
	OutputDir   string
	DefaultSink string
	BatchSize   int
}

// Handler runs graph_ingest jobs claimed by the worker.
type Handler struct {
	driver  *Driver
	schemas SchemaSource
	cfg     HandlerConfig
	log     *logger.Logger
}

func NewHandler(driver *Driver, schemas SchemaSource, cfg HandlerConfig, baseLog *logger.Logger) *Handler {
	if cfg.DefaultSink == "" {
		cfg.DefaultSink = "file"
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Handler{
		driver:  driver,
		schemas: schemas,
		cfg:     cfg,
		log:     baseLog.With("job", JobType),
	}
}

func (h *Handler) Type() string { return JobType }

func (h *Handler) Run(jc *runtime.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	tr, err := jc.Track(Stages)
	if err != nil {
		jc.Fail(StageValidate, err)
		return nil
	}
	cfg, err := h.config(jc)
	if err != nil {
		h.log.Warn("Rejected job payload", "job_id", jc.Job.ID, "error", err)
		_ = tr.Start(jc.Ctx)
		if ferr := tr.FailJob(jc.Ctx, err.Error()); ferr != nil {
			jc.Log.Error("Recording job failure", "error", ferr)
		}
		return nil
	}

	out, err := h.driver.Run(jc.Ctx, cfg, tr, jc.CancelRequested)
	if errors.Is(err, ErrInterrupted) {
		jc.Log.Warn("Job interrupted; it will be reclaimed", "error", err)
		return nil
	}
	if err != nil {
		// The tracker already failed the job.
		return nil
	}
	jc.Log.Info("Ingestion job finished",
		"status", out.Status,
		"rows", out.Rows,
		"nodes", out.Result.NodeCount,
		"relationships", out.Result.RelationshipCount,
	)
	return nil
}

// config turns the job payload into a run Config.
func (h *Handler) config(jc *runtime.Context) (Config, error) {
	schemaID, ok := jc.PayloadUUID("schema_id")
	if !ok {
		schemaID = jc.Job.SchemaID
	}
	if schemaID == uuid.Nil {
		return Config{}, ingesterr.Newf(ingesterr.KindValidation, "config", "schema_id required")
	}
	doc, err := h.schemas.GetByID(dbctx.Context{Ctx: jc.Ctx}, schemaID)
	if err != nil {
		return Config{}, fmt.Errorf("load schema %s: %w", schemaID, err)
	}
	if doc == nil {
		return Config{}, ingesterr.Newf(ingesterr.KindValidation, "config", "schema %s not found", schemaID)
	}

	dataPath, err := ResolveUnder(h.cfg.DataDir, jc.PayloadString("data_path"))
	if err != nil {
		return Config{}, ingesterr.New(ingesterr.KindValidation, "config", fmt.Errorf("data_path: %w", err))
	}
	outRel := jc.PayloadString("output_dir")
	if outRel == "" {
		outRel = jc.Job.ID.String()
	}
	outDir, err := ResolveUnder(h.cfg.OutputDir, outRel)
	if err != nil {
		return Config{}, ingesterr.New(ingesterr.KindValidation, "config", fmt.Errorf("output_dir: %w", err))
	}
	sinkKind := jc.PayloadString("sink")
	if sinkKind == "" {
		sinkKind = h.cfg.DefaultSink
	}
	return Config{
		SchemaID:           schemaID.String(),
		Schema:             []byte(doc.Document),
		DataPath:           dataPath,
		Sink:               sinkKind,
		OutputDir:          outDir,
		BatchSize:          jc.PayloadInt("batch_size", h.cfg.BatchSize),
		AutoDetectEmbedded: jc.PayloadBool("auto_detect_embedded", false),
	}, nil
}

// ResolveUnder joins a relative p onto base and refuses paths that escape it.
// With an empty base, p is returned cleaned.
func ResolveUnder(base, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("path required")
	}
	if base == "" {
		return filepath.Clean(p), nil
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(base, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(filepath.Clean(base), full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", p, base)
	}
	return full, nil
}
