package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/scanorch/models"
)

var (
	runProject string
	runFile    string
	runDir     string
	runGitURL  string
	runGitRef  string
	runWebURIs []string
	runJobUUID string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scan job in the foreground",
	Long: `Creates a job and runs it to completion in this process, or runs an
already queued job given with --job.

The job configuration is read from --file (YAML or JSON) or built from flags.

Examples:
  scanorch run --project alpha --dir ./src
  scanorch run --project alpha --git-url https://git.example.com/alpha.git --git-ref main
  scanorch run --project alpha --file job.yaml
  scanorch run --job 6f1c...`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "Project id the job belongs to")
	runCmd.Flags().StringVar(&runFile, "file", "", "Job configuration file (YAML or JSON)")
	runCmd.Flags().StringVar(&runDir, "dir", "", "Local source directory for the code scan")
	runCmd.Flags().StringVar(&runGitURL, "git-url", "", "Git repository for the code scan")
	runCmd.Flags().StringVar(&runGitRef, "git-ref", "", "Branch of --git-url")
	runCmd.Flags().StringSliceVar(&runWebURIs, "web", nil, "Web scan targets")
	runCmd.Flags().StringVar(&runJobUUID, "job", "", "Run this queued job instead of creating one")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobUUID := runJobUUID
	if jobUUID == "" {
		if runProject == "" {
			return fmt.Errorf("--project is required when creating a job")
		}
		jobCfg, err := runConfiguration()
		if err != nil {
			return err
		}
		created, err := a.jobs.Create(ctx, runProject, jobCfg)
		if err != nil {
			return err
		}
		jobUUID = created.UUID
		fmt.Println(dimStyle.Render("Created job " + jobUUID))
	}

	job, err := a.jobs.Start(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s is not queued", jobUUID)
	}

	status := a.worker.RunJob(ctx, job)
	if status == "" {
		fmt.Println(warnStyle.Render("Interrupted; the job will resume with 'scanorch serve' or 'scanorch run --job " + jobUUID + "'"))
		return nil
	}
	return printJob(ctx, a, jobUUID)
}

func runConfiguration() (models.JobConfiguration, error) {
	var cfg models.JobConfiguration
	if runFile != "" {
		data, err := os.ReadFile(runFile) // #nosec G304 -- user-supplied job file
		if err != nil {
			return cfg, fmt.Errorf("reading job file: %w", err)
		}
		// YAML is a superset of JSON, so one decoder reads both.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing job file: %w", err)
		}
		return cfg, nil
	}

	if runDir != "" || runGitURL != "" {
		cfg.CodeScan = &models.CodeScanConfig{Source: models.SourceRef{Dir: runDir, GitURL: runGitURL, GitRef: runGitRef}}
	}
	if len(runWebURIs) > 0 {
		cfg.WebScan = &models.NetworkScanConfig{URIs: runWebURIs}
	}
	if cfg.CodeScan == nil && cfg.WebScan == nil {
		return cfg, fmt.Errorf("nothing to scan: pass --file, --dir, --git-url or --web")
	}
	return cfg, nil
}
