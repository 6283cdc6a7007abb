package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nrel/hpcpipe/pkg/model"
)

// Slurm submits tasks to a SLURM-like scheduler by writing a batch script
// and shelling out to the cluster's submit/query/cancel CLI tools, grounded
// on the teacher's exec.CommandContext usage in LocalExecutor and on the
// job-state vocabulary (PENDING/RUNNING/COMPLETED/FAILED/CANCELLED) used by
// SLURM-client tooling in the example pack.
type Slurm struct {
	logger      *slog.Logger
	submitCmd   string // default "sbatch"
	queryCmd    string // default "squeue"
	cancelCmd   string // default "scancel"
}

// NewSlurm creates a Slurm backend that uses the standard SLURM CLI
// names (sbatch, squeue, scancel).
func NewSlurm(logger *slog.Logger) *Slurm {
	return &Slurm{
		logger:    logger.With("component", "backend-slurm"),
		submitCmd: "sbatch",
		queryCmd:  "squeue",
		cancelCmd: "scancel",
	}
}

func (b *Slurm) Kind() model.BackendKind { return model.BackendSlurm }

func (b *Slurm) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("slurm submit %s%s: create work dir: %w", spec.Step, spec.Tag, err)
	}

	script := buildBatchScript(spec)
	scriptPath := filepath.Join(spec.WorkDir, "submit.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("slurm submit %s%s: write script: %w", spec.Step, spec.Tag, err)
	}

	cmd := exec.CommandContext(ctx, b.submitCmd, "--parsable", scriptPath)
	cmd.Dir = spec.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &model.SubmissionError{Step: spec.Step, Tag: spec.Tag, Msg: fmt.Sprintf("%s: %s", err, strings.TrimSpace(stderr.String()))}
	}

	jobID := strings.TrimSpace(stdout.String())
	if idx := strings.IndexByte(jobID, ';'); idx >= 0 {
		jobID = jobID[:idx] // --parsable may append ";cluster"
	}
	if jobID == "" {
		return "", &model.SubmissionError{Step: spec.Step, Tag: spec.Tag, Msg: "sbatch returned no job id"}
	}

	b.logger.Info("submitted slurm job", "step", spec.Step, "tag", spec.Tag, "job_id", jobID)
	return jobID, nil
}

// buildBatchScript renders an sbatch-directive header ahead of the shared
// activate/pre-script/command body (script.go's buildScript).
func buildBatchScript(spec SubmitSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("#SBATCH --job-name=" + shellQuote(spec.Step+spec.Tag) + "\n")
	if spec.Resources.Allocation != "" {
		b.WriteString("#SBATCH --account=" + shellQuote(spec.Resources.Allocation) + "\n")
	}
	if spec.Resources.QOS != "" {
		b.WriteString("#SBATCH --qos=" + shellQuote(spec.Resources.QOS) + "\n")
	}
	if spec.Resources.Queue != "" {
		b.WriteString("#SBATCH --partition=" + shellQuote(spec.Resources.Queue) + "\n")
	}
	if spec.Resources.Memory != "" {
		b.WriteString("#SBATCH --mem=" + shellQuote(spec.Resources.Memory) + "\n")
	}
	if spec.Resources.Feature != "" {
		b.WriteString("#SBATCH --constraint=" + shellQuote(spec.Resources.Feature) + "\n")
	}
	if spec.Resources.WalltimeHours > 0 {
		b.WriteString("#SBATCH --time=" + walltime(spec.Resources.WalltimeHours) + "\n")
	}
	b.WriteString("#SBATCH --output=" + shellQuote(filepath.Join(spec.WorkDir, "slurm.out")) + "\n")
	b.WriteString("set -e\n")
	if spec.Resources.Module != "" {
		b.WriteString("module load " + shellQuote(spec.Resources.Module) + "\n")
	}
	if spec.Resources.CondaEnv != "" {
		b.WriteString("source activate " + shellQuote(spec.Resources.CondaEnv) + "\n")
	}
	if spec.PreScript != "" {
		b.WriteString(spec.PreScript + "\n")
	}
	b.WriteString(joinCommand(spec.Command) + "\n")
	return b.String()
}

// walltime renders hours as SLURM's [D-]HH:MM:SS time-limit format.
func walltime(hours float64) string {
	totalSeconds := int64(hours * 3600)
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	s := totalSeconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func (b *Slurm) Query(ctx context.Context, jobID string) (JobState, error) {
	cmd := exec.CommandContext(ctx, b.queryCmd, "-h", "-j", jobID, "-o", "%T")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// squeue exits non-zero (or prints nothing) once a job has left the
		// queue; treat that as unknown rather than an error.
		return JobUnknown, nil
	}

	state := strings.TrimSpace(stdout.String())
	switch state {
	case "":
		return JobUnknown, nil
	case "PENDING", "CONFIGURING":
		return JobQueued, nil
	case "RUNNING", "COMPLETING":
		return JobRunning, nil
	default:
		return JobUnknown, nil
	}
}

func (b *Slurm) Cancel(ctx context.Context, jobID string) error {
	cmd := exec.CommandContext(ctx, b.cancelCmd, jobID)
	return cmd.Run()
}
