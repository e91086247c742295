package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JeromySt/foreman/internal/core"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs within a plan",
}

var jobListCmd = &cobra.Command{
	Use:   "list <plan-id>",
	Short: "List a plan's jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []struct {
			ProducerID string               `json:"producerId"`
			Name       string               `json:"name"`
			State      *core.ExecutionState `json:"state"`
		}
		if err := newAPIClient().get("/api/plans/"+args[0]+"/jobs", &jobs); err != nil {
			return err
		}
		for _, j := range jobs {
			status := core.NodeStatusPending
			attempts := 0
			if j.State != nil {
				status = j.State.Status
				attempts = j.State.Attempts
			}
			fmt.Printf("%-30s  %-10s  attempts=%d  %s\n", j.ProducerID, status, attempts, j.Name)
		}
		return nil
	},
}

var (
	jobRetryWork    string
	jobRetryClearWT bool
	jobLogsPhase    string
	jobUpdateWork   string
	jobUpdateReset  string
)

var jobRetryCmd = &cobra.Command{
	Use:   "retry <plan-id> <job>",
	Short: "Retry a failed or canceled job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := core.RetryJobCommand{ClearWorktree: jobRetryClearWT}
		if jobRetryWork != "" {
			body.NewWork = core.NewShellSpec(jobRetryWork)
		}
		var result core.CommandResult
		if err := newAPIClient().post("/api/plans/"+args[0]+"/jobs/"+args[1]+"/retry", body, &result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s", result.Error)
		}
		fmt.Println("ok")
		return nil
	},
}

var jobFailCmd = &cobra.Command{
	Use:   "fail <plan-id> <job>",
	Short: "Force-fail a running job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result core.CommandResult
		if err := newAPIClient().post("/api/plans/"+args[0]+"/jobs/"+args[1]+"/fail", nil, &result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s", result.Error)
		}
		fmt.Println("ok")
		return nil
	},
}

var jobUpdateCmd = &cobra.Command{
	Use:   "update <plan-id> <job>",
	Short: "Replace a pending job's specs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := core.UpdateJobCommand{}
		if jobUpdateWork != "" {
			body.Work = core.NewShellSpec(jobUpdateWork)
		}
		if jobUpdateReset != "" {
			phase, err := core.ParsePhase(jobUpdateReset)
			if err != nil {
				return err
			}
			body.ResetToStage = phase
		}
		var result core.CommandResult
		if err := newAPIClient().post("/api/plans/"+args[0]+"/jobs/"+args[1]+"/update", body, &result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s", result.Error)
		}
		fmt.Println("ok")
		return nil
	},
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs <plan-id> <job>",
	Short: "Show a job's latest attempt log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/plans/" + args[0] + "/jobs/" + args[1] + "/logs"
		if jobLogsPhase != "" {
			path += "?phase=" + jobLogsPhase
		}
		logs, err := newAPIClient().getText(path)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

var jobAttemptsCmd = &cobra.Command{
	Use:   "attempts <plan-id> <job>",
	Short: "Show a job's attempt history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var attempts []core.Attempt
		if err := newAPIClient().get("/api/plans/"+args[0]+"/jobs/"+args[1]+"/attempts", &attempts); err != nil {
			return err
		}
		data, err := json.MarshalIndent(attempts, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var jobFailureCmd = &cobra.Command{
	Use:   "failure <plan-id> <job>",
	Short: "Show a failed job's failure context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fc core.FailureContext
		if err := newAPIClient().get("/api/plans/"+args[0]+"/jobs/"+args[1]+"/failure", &fc); err != nil {
			return err
		}
		data, err := json.MarshalIndent(fc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	jobRetryCmd.Flags().StringVar(&jobRetryWork, "work", "", "replacement shell work spec")
	jobRetryCmd.Flags().BoolVar(&jobRetryClearWT, "clear-worktree", false, "remove the job's worktree first")
	jobUpdateCmd.Flags().StringVar(&jobUpdateWork, "work", "", "replacement shell work spec")
	jobUpdateCmd.Flags().StringVar(&jobUpdateReset, "reset-to", "", "clear step statuses from this phase onward")
	jobLogsCmd.Flags().StringVar(&jobLogsPhase, "phase", "", "filter log lines to one phase")

	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobRetryCmd)
	jobCmd.AddCommand(jobFailCmd)
	jobCmd.AddCommand(jobUpdateCmd)
	jobCmd.AddCommand(jobLogsCmd)
	jobCmd.AddCommand(jobAttemptsCmd)
	jobCmd.AddCommand(jobFailureCmd)
	rootCmd.AddCommand(jobCmd)
}
