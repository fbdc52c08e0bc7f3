package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/scanorch/internal/store"
	"github.com/CosmoTheDev/scanorch/models"
)

var (
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel scan jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.jobs.List(ctx, jobsStatus, jobsLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println(dimStyle.Render("No jobs."))
			return nil
		}
		fmt.Printf("%-36s  %-16s  %-9s  %s\n", "UUID", "PROJECT", "STATUS", "CREATED")
		for _, j := range jobs {
			fmt.Printf("%-36s  %-16s  %s  %s\n", j.UUID, j.ProjectID,
				statusStyle(j.Status).Render(fmt.Sprintf("%-9s", j.Status)),
				j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show a job and its product results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return printJob(ctx, a, args[0])
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <uuid>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.jobs.RequestCancel(ctx, args[0])
		if errors.Is(err, store.ErrJobFinished) {
			fmt.Println(warnStyle.Render("Job " + args[0] + " has already finished."))
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusCanceled {
			fmt.Println(successStyle.Render("Job canceled before it started."))
		} else {
			fmt.Println(successStyle.Render("Cancel requested; the worker stops at its next check."))
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Only list jobs in this status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd)
}

func printJob(ctx context.Context, a *app, jobUUID string) error {
	job, err := a.jobs.Get(ctx, jobUUID)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render("Job " + job.UUID))
	fmt.Printf("  Project:  %s\n", job.ProjectID)
	fmt.Printf("  Status:   %s\n", statusStyle(job.Status).Render(job.Status))
	if job.Message != "" {
		fmt.Printf("  Message:  %s\n", job.Message)
	}
	if job.StartedAt != nil {
		fmt.Printf("  Started:  %s\n", job.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.EndedAt != nil {
		fmt.Printf("  Ended:    %s\n", job.EndedAt.Local().Format("2006-01-02 15:04:05"))
	}

	results, err := a.results.FindByJob(ctx, jobUUID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println(dimStyle.Render("\n  No product results."))
		return nil
	}
	fmt.Println()
	for _, r := range results {
		status := resultStatus(r)
		size := len(r.Result)
		if r.ResultRef != "" {
			size = r.ResultSize
		}
		target := ""
		if r.TargetType != "" {
			target = " [" + r.TargetType + "]"
		}
		fmt.Printf("  %-16s%s %s %s\n", r.ProductID, target,
			statusStyle(status).Render(status), dimStyle.Render(fmt.Sprintf("%d bytes", size)))
		if r.Messages != "" {
			fmt.Printf("      %s\n", dimStyle.Render(r.Messages))
		}
	}
	return nil
}
