package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yungbote/graphingest/internal/app"
	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/pipeline"
	"github.com/yungbote/graphingest/internal/ingest/sink"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/platform/envutil"
	"github.com/yungbote/graphingest/internal/platform/logger"
	"github.com/yungbote/graphingest/internal/platform/neo4jdb"
)

var (
	runSchema       string
	runData         string
	runSink         string
	runOut          string
	runBatchSize    int
	runAutoEmbedded bool
)

var rootCmd = &cobra.Command{
	Use:           "ingest",
	Short:         "Load tabular datasets into a property graph",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion job in the foreground",
	Long: `Run one ingestion job without the API or the job queue.

The final job snapshot is printed as JSON on stdout. Progress goes to the log.

Examples:
  ingest run --schema schema.json --data telco.csv --out out/telco
  ingest run --schema schema.json --data telco.csv --sink neo4j`,
	RunE: runIngest,
}

func init() {
	runCmd.Flags().StringVarP(&runSchema, "schema", "s", "", "path to the schema document (JSON)")
	runCmd.Flags().StringVarP(&runData, "data", "d", "", "path to the CSV dataset")
	runCmd.Flags().StringVar(&runSink, "sink", sink.KindFile, "output sink: file or neo4j")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "output", "output directory for the file sink")
	runCmd.Flags().IntVarP(&runBatchSize, "batch-size", "b", pipeline.DefaultBatchSize, "rows per write batch")
	runCmd.Flags().BoolVar(&runAutoEmbedded, "auto-detect-embedded", false, "scan unmapped columns for embedded JSON entities")
	_ = runCmd.MarkFlagRequired("schema")
	_ = runCmd.MarkFlagRequired("data")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	if runSink != sink.KindFile && runSink != sink.KindNeo4j {
		return fmt.Errorf("unknown sink %q", runSink)
	}
	if runBatchSize < 1 || runBatchSize > pipeline.MaxBatchSize {
		return fmt.Errorf("batch-size must be between 1 and %d", pipeline.MaxBatchSize)
	}
	raw, err := os.ReadFile(runSchema)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// The first signal asks the job to stop at the next batch boundary.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := context.Background()

	cfg := app.LoadConfig(nil)
	var clients app.Clients
	if runSink == sink.KindNeo4j {
		graph, err := neo4jdb.New(cfg.Neo4j, log)
		if err != nil {
			return fmt.Errorf("init neo4j: %w", err)
		}
		if graph == nil {
			return fmt.Errorf("sink neo4j needs NEO4J_URI")
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = graph.Close(closeCtx)
		}()
		clients.Neo4j = graph
	}
	driver := app.NewDriver(log, cfg.Ingest, clients, nil)

	store := progress.NewMemoryStore()
	job := &types.IngestionJob{
		ID:      uuid.New(),
		JobType: pipeline.JobType,
		Status:  types.JobStatusPending,
	}
	store.Put(job)
	tr, err := progress.NewTracker(job, pipeline.Stages, store, logNotifier{log: log}, log)
	if err != nil {
		return err
	}

	out, runErr := driver.Run(ctx, pipeline.Config{
		SchemaID:           runSchema,
		Schema:             raw,
		DataPath:           runData,
		Sink:               runSink,
		OutputDir:          runOut,
		BatchSize:          runBatchSize,
		AutoDetectEmbedded: runAutoEmbedded,
	}, tr, func() bool { return sigCtx.Err() != nil })

	final, _ := store.Get(job.ID)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(progress.SnapshotOf(final, pipeline.Stages)); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if out != nil && out.Status != types.JobStatusCompleted {
		return fmt.Errorf("job %s", out.Status)
	}
	return nil
}

type logNotifier struct {
	log *logger.Logger
}

func (n logNotifier) JobProgress(job *types.IngestionJob) {
	n.log.Info("Progress", "stage", job.Stage, "stage_progress", job.StageProgress, "progress", job.Progress, "message", job.Message)
}

func (n logNotifier) JobDone(job *types.IngestionJob) {
	n.log.Info("Job completed", "nodes", job.NodeCount, "relationships", job.RelationshipCount)
}

func (n logNotifier) JobFailed(job *types.IngestionJob, message string) {
	n.log.Error("Job failed", "error", message)
}

func (n logNotifier) JobCancelled(job *types.IngestionJob, reason string) {
	n.log.Warn("Job cancelled", "reason", reason)
}
