package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/history"
	"github.com/prism-pipeline/pandora/pkg/job"
)

var historyLimit int

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage render jobs",
	Long:  `Commands for listing, inspecting, and controlling render jobs on the farm.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	Long:  `List all jobs in the repository in scheduling order, with per-status task counts.`,
	RunE:  runJobsList,
}

var jobsDescribeCmd = &cobra.Command{
	Use:   "describe <job-code>",
	Short: "Show one job in detail",
	Long:  `Show a job's settings and the per-task state of its render.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDescribe,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-code>",
	Short: "Delete a job",
	Long:  `Ask the coordinator to delete a job and clean its copies from every slave.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsRestartCmd = &cobra.Command{
	Use:   "restart <job-code> <task-name>",
	Short: "Restart a task",
	Long:  `Reset one task back to ready so it gets rendered again. A slave currently holding it is told to abandon it.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsRestart,
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <job-code> <task-name>",
	Short: "Disable a task",
	Long:  `Take one task out of scheduling. Finished and failed tasks are left as they are.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsDisable,
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable <job-code> <task-name>",
	Short: "Re-enable a disabled task",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsEnable,
}

var jobsCollectCmd = &cobra.Command{
	Use:   "collect <job-code>",
	Short: "Collect a job's rendered output",
	Long:  `Ask the coordinator to copy the job's rendered frames from the slaves to this workstation's RenderOutput folder.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCollect,
}

var jobsPriorityCmd = &cobra.Command{
	Use:   "priority <job-code> <priority>",
	Short: "Change a job's priority",
	Long:  `Set a job's scheduling priority. Higher values are assigned first.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsPriority,
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived jobs",
	Long:  `Show jobs that finished or were deleted, from the coordinator's history archive.`,
	RunE:  runJobsHistory,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsDescribeCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsRestartCmd)
	jobsCmd.AddCommand(jobsDisableCmd)
	jobsCmd.AddCommand(jobsEnableCmd)
	jobsCmd.AddCommand(jobsCollectCmd)
	jobsCmd.AddCommand(jobsPriorityCmd)
	jobsCmd.AddCommand(jobsHistoryCmd)

	jobsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 25, "number of archive entries to show")
}

type jobRow struct {
	Code     string         `json:"code"`
	Name     string         `json:"name"`
	Project  string         `json:"project,omitempty"`
	User     string         `json:"user,omitempty"`
	Priority int            `json:"priority"`
	Program  string         `json:"program,omitempty"`
	Tasks    map[string]int `json:"tasks"`
}

func runJobsList(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}

	codes, err := root.ListJobs()
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	// Walk the priority index first so rows come out in scheduling order,
	// then append jobs the index does not know about yet.
	ordered, err := job.NewIndex(root).Ordered()
	if err == nil {
		seen := make(map[string]bool, len(codes))
		sorted := make([]string, 0, len(codes))
		exists := make(map[string]bool, len(codes))
		for _, c := range codes {
			exists[c] = true
		}
		for _, e := range ordered {
			if exists[e.JobCode] && !seen[e.JobCode] {
				sorted = append(sorted, e.JobCode)
				seen[e.JobCode] = true
			}
		}
		for _, c := range codes {
			if !seen[c] {
				sorted = append(sorted, c)
			}
		}
		codes = sorted
	}

	rows := make([]jobRow, 0, len(codes))
	for _, code := range codes {
		doc, err := config.Read(root.JobConfig(code))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping job %s: %v\n", code, err)
			continue
		}
		j, err := job.Parse(code, doc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping job %s: %v\n", code, err)
			continue
		}
		counts := make(map[string]int)
		for _, t := range j.Tasks {
			counts[string(t.Status)]++
		}
		rows = append(rows, jobRow{
			Code:     j.Code,
			Name:     j.Name,
			Project:  j.ProjectName,
			User:     j.UserName,
			Priority: j.Priority,
			Program:  j.Program,
			Tasks:    counts,
		})
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Code", "Name", "Project", "User", "Prio", "Program", "Progress")

	for _, r := range rows {
		total := 0
		for _, n := range r.Tasks {
			total += n
		}
		table.Append(
			r.Code,
			r.Name,
			dash(r.Project),
			dash(r.User),
			fmt.Sprintf("%d", r.Priority),
			dash(r.Program),
			fmt.Sprintf("%d/%d finished", r.Tasks[string(job.StatusFinished)], total),
		)
	}

	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(rows))
	return nil
}

func runJobsDescribe(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	code := args[0]

	doc, err := config.Read(root.JobConfig(code))
	if err != nil {
		return fmt.Errorf("reading job %s: %w", code, err)
	}
	j, err := job.Parse(code, doc)
	if err != nil {
		return fmt.Errorf("parsing job %s: %w", code, err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(j, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Code", j.Code)
	table.Append("Name", j.Name)
	table.Append("Scene", j.SceneName)
	table.Append("Project", dash(j.ProjectName))
	table.Append("User", dash(j.UserName))
	table.Append("Submitted", dash(j.SubmitDate))
	table.Append("Frame Range", dash(j.FrameRange))
	table.Append("Program", dash(j.Program))
	table.Append("Priority", fmt.Sprintf("%d", j.Priority))
	table.Append("Slave List", j.ListSlaves)
	table.Append("Task Timeout", fmt.Sprintf("%d min", j.TaskTimeout))
	table.Append("Concurrent Tasks", fmt.Sprintf("%d", j.ConcurrentTasks))
	if len(j.Dependencies) > 0 {
		table.Append("Depends On", fmt.Sprintf("%v", j.Dependencies))
	}
	table.Render()

	fmt.Println()
	tasks := tablewriter.NewWriter(os.Stdout)
	tasks.Header("Task", "Frames", "Status", "Slave", "Elapsed", "Started")
	for _, name := range j.TaskNames() {
		t := j.Tasks[name]
		tasks.Append(
			name,
			fmt.Sprintf("%d-%d", t.StartFrame, t.EndFrame),
			string(t.Status),
			t.Slave,
			dash(t.Elapsed),
			dash(t.Start),
		)
	}
	tasks.Render()
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	if err := sendCommand(root, command.DeleteJob{JobCode: args[0]}); err != nil {
		return err
	}
	fmt.Printf("Delete queued for job %s\n", args[0])
	return nil
}

func runJobsRestart(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	if err := sendCommand(root, command.RestartTask{JobCode: args[0], TaskName: args[1]}); err != nil {
		return err
	}
	fmt.Printf("Restart queued for %s/%s\n", args[0], args[1])
	return nil
}

func runJobsDisable(cmd *cobra.Command, args []string) error {
	return toggleTask(args[0], args[1], false)
}

func runJobsEnable(cmd *cobra.Command, args []string) error {
	return toggleTask(args[0], args[1], true)
}

func toggleTask(code, task string, enable bool) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	if err := sendCommand(root, command.DisableTask{JobCode: code, TaskName: task, Enable: enable}); err != nil {
		return err
	}
	verb := "Disable"
	if enable {
		verb = "Enable"
	}
	fmt.Printf("%s queued for %s/%s\n", verb, code, task)
	return nil
}

func runJobsCollect(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	if err := sendCommand(root, command.CollectJob{JobCode: args[0], Workstation: WorkstationName()}); err != nil {
		return err
	}
	fmt.Printf("Collect queued for job %s; output will appear under Workstations/WS_%s/RenderOutput\n", args[0], WorkstationName())
	return nil
}

func runJobsPriority(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	var prio int
	if _, err := fmt.Sscanf(args[1], "%d", &prio); err != nil {
		return fmt.Errorf("priority must be an integer: %q", args[1])
	}
	set := command.SetSetting{
		TargetType: "Job",
		TargetName: args[0],
		Key:        "priority",
		Value:      prio,
	}
	if err := sendCommand(root, set); err != nil {
		return err
	}
	fmt.Printf("Priority %d queued for job %s\n", prio, args[0])
	return nil
}

func runJobsHistory(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}

	arch, err := history.Open(root.HistoryDB())
	if err != nil {
		return fmt.Errorf("opening history archive: %w", err)
	}
	defer arch.Close()

	records, err := arch.Recent(historyLimit)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	sort.SliceStable(records, func(i, k int) bool {
		return records[i].ArchivedAt.After(records[k].ArchivedAt)
	})

	if IsJSONOutput() {
		output, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Code", "Name", "Project", "User", "Tasks", "Disposition", "Archived")
	for _, r := range records {
		table.Append(
			r.JobCode,
			r.JobName,
			dash(r.ProjectName),
			dash(r.UserName),
			fmt.Sprintf("%d", r.TaskCount),
			r.Disposition,
			r.ArchivedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	fmt.Printf("\nTotal entries: %d\n", len(records))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
