package services

import (
	"context"
	"time"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/jobs/progress"
	"github.com/yungbote/graphingest/internal/platform/logger"
	"github.com/yungbote/graphingest/internal/realtime"
	"github.com/yungbote/graphingest/internal/realtime/bus"
)

type JobNotifier interface {
	progress.Notifier
}

type jobNotifier struct {
	hub     *realtime.Hub
	bus     bus.Bus
	stages  []progress.Stage
	log     *logger.Logger
	timeout time.Duration
}

// NewJobNotifier publishes job events on b when it is set and broadcasts into
// hub otherwise (or when publishing fails). Either may be nil.
func NewJobNotifier(hub *realtime.Hub, b bus.Bus, stages []progress.Stage, baseLog *logger.Logger) JobNotifier {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &jobNotifier{
		hub:     hub,
		bus:     b,
		stages:  stages,
		log:     baseLog.With("service", "JobNotifier"),
		timeout: 2 * time.Second,
	}
}

func (n *jobNotifier) JobProgress(job *types.IngestionJob) {
	if job == nil {
		return
	}
	n.log.Debug("Job progress",
		"job_id", job.ID,
		"stage", job.Stage,
		"stage_progress", job.StageProgress,
		"progress", job.Progress,
	)
	n.emit(realtime.EventJobProgress, job)
}

func (n *jobNotifier) JobDone(job *types.IngestionJob) {
	if job == nil {
		return
	}
	n.log.Info("Job completed",
		"job_id", job.ID,
		"nodes", job.NodeCount,
		"relationships", job.RelationshipCount,
	)
	n.emit(realtime.EventJobDone, job)
}

func (n *jobNotifier) JobFailed(job *types.IngestionJob, msg string) {
	if job == nil {
		return
	}
	n.log.Warn("Job failed", "job_id", job.ID, "stage", job.Stage, "error", msg)
	n.emit(realtime.EventJobFailed, job)
}

func (n *jobNotifier) JobCancelled(job *types.IngestionJob, reason string) {
	if job == nil {
		return
	}
	n.log.Info("Job cancelled", "job_id", job.ID, "reason", reason)
	n.emit(realtime.EventJobCancelled, job)
}

func (n *jobNotifier) emit(event realtime.Event, job *types.IngestionJob) {
	msg := realtime.Message{
		Channel: job.ID.String(),
		Event:   event,
		Data:    progress.SnapshotOf(job, n.stages),
	}
	if n.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.bus.Publish(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		n.log.Warn("Publish job event failed; broadcasting locally", "event", event, "job_id", job.ID, "error", err)
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
}
