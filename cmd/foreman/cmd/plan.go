package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JeromySt/foreman/internal/core"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage plans",
}

var planSubmitFile string
var planSubmitPaused bool

var planSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a plan definition (YAML or JSON)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if planSubmitFile == "" {
			return fmt.Errorf("--file is required")
		}
		def, err := readDefinition(planSubmitFile)
		if err != nil {
			return err
		}
		if def.RepoPath != "" && !filepath.IsAbs(def.RepoPath) {
			abs, err := filepath.Abs(def.RepoPath)
			if err != nil {
				return err
			}
			def.RepoPath = abs
		}

		command := core.CreatePlanCommand{Definition: *def, StartPaused: planSubmitPaused}
		if err := command.Validate(); err != nil {
			return err
		}

		var created struct {
			PlanID string `json:"planId"`
		}
		if err := newAPIClient().post("/api/plans", command, &created); err != nil {
			return err
		}
		fmt.Println(created.PlanID)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var views []core.PlanStatusView
		if err := newAPIClient().get("/api/plans", &views); err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("no plans")
			return nil
		}
		for _, v := range views {
			fmt.Printf("%-36s  %-10s  %5.1f%%  %s\n", v.PlanID, v.Status, v.Progress*100, v.Name)
		}
		return nil
	},
}

var planStatusCmd = &cobra.Command{
	Use:   "status <plan-id>",
	Short: "Show a plan's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view core.PlanStatusView
		if err := newAPIClient().get("/api/plans/"+args[0], &view); err != nil {
			return err
		}
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func planActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result core.CommandResult
			if err := newAPIClient().post("/api/plans/"+args[0]+"/"+action, nil, &result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("%s", result.Error)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

var planDeleteCmd = &cobra.Command{
	Use:   "delete <plan-id>",
	Short: "Delete a plan and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result core.CommandResult
		if err := newAPIClient().delete("/api/plans/"+args[0], &result); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// readDefinition loads a plan definition from YAML or JSON.
func readDefinition(path string) (*core.PlanDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var def core.PlanDefinition
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return &def, nil
	}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &def, nil
}

func init() {
	planSubmitCmd.Flags().StringVarP(&planSubmitFile, "file", "f", "", "plan definition file")
	planSubmitCmd.Flags().BoolVar(&planSubmitPaused, "paused", false, "admit the plan paused")

	planCmd.AddCommand(planSubmitCmd)
	planCmd.AddCommand(planListCmd)
	planCmd.AddCommand(planStatusCmd)
	planCmd.AddCommand(planActionCmd("pause", "Pause scheduling", "pause"))
	planCmd.AddCommand(planActionCmd("resume", "Resume scheduling", "resume"))
	planCmd.AddCommand(planActionCmd("cancel", "Cancel a plan", "cancel"))
	planCmd.AddCommand(planActionCmd("retry", "Retry failed jobs", "retry"))
	planCmd.AddCommand(planDeleteCmd)
	rootCmd.AddCommand(planCmd)
}
