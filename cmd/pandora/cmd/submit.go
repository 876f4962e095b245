package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/job"
)

var (
	submitName       string
	submitProject    string
	submitFrames     string
	submitChunk      int
	submitPriority   int
	submitProgram    string
	submitVersion    string
	submitCamera     string
	submitSlaves     string
	submitTimeout    int
	submitConcurrent int
	submitOutputPath string
	submitWidth      int
	submitHeight     int
	submitDepends    []string
	submitExtraFiles []string
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <scene-file>",
	Short: "Submit a render job",
	Long: `Stage a render job in this workstation's submission area. The scene file
and any extra files are copied into the staging folder; the coordinator
picks the job up once everything declared is present.

Example:
  pandora submit shot010.blend --frames 1-240 --chunk 10 --program blender
  pandora submit scene.max --frames 1-100 --priority 80 --slaves "groups: gpu"`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitName, "name", "", "job name (default is the scene file name)")
	submitCmd.Flags().StringVar(&submitProject, "project", "", "project name")
	submitCmd.Flags().StringVar(&submitFrames, "frames", "", "frame range, e.g. 1-240 (required)")
	submitCmd.Flags().IntVar(&submitChunk, "chunk", 5, "frames per task")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 50, "scheduling priority, higher runs first")
	submitCmd.Flags().StringVar(&submitProgram, "program", "", "render program (required, e.g. blender)")
	submitCmd.Flags().StringVar(&submitVersion, "program-version", "", "render program version")
	submitCmd.Flags().StringVar(&submitCamera, "camera", "", "render camera")
	submitCmd.Flags().StringVar(&submitSlaves, "slaves", "All", `slave list: "All", "name1, name2", "exclude name1", or "groups: g1, g2"`)
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 180, "per-task render timeout in minutes")
	submitCmd.Flags().IntVar(&submitConcurrent, "concurrent", 1, "per-slave concurrent task cap for this job")
	submitCmd.Flags().StringVar(&submitOutputPath, "output-path", "", "final output location the coordinator uploads to")
	submitCmd.Flags().IntVar(&submitWidth, "width", 0, "render width override")
	submitCmd.Flags().IntVar(&submitHeight, "height", 0, "render height override")
	submitCmd.Flags().StringSliceVar(&submitDepends, "depend", nil, "job codes that must finish before this job starts")
	submitCmd.Flags().StringSliceVar(&submitExtraFiles, "file", nil, "extra files to stage alongside the scene")
	submitCmd.MarkFlagRequired("frames")
	submitCmd.MarkFlagRequired("program")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}

	scene := args[0]
	if _, err := os.Stat(scene); err != nil {
		return fmt.Errorf("scene file: %w", err)
	}

	start, end, err := parseFrameRange(submitFrames)
	if err != nil {
		return err
	}
	if submitChunk < 1 {
		return fmt.Errorf("chunk size must be at least 1")
	}

	name := submitName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(scene), filepath.Ext(scene))
	}

	// Stage under a throwaway name first. The coordinator only reads
	// submissions once PandoraJob.json declares a fileCount the staged
	// files satisfy, and the config goes in last.
	subDir := root.WorkstationSubmissions(WorkstationName())
	staging := filepath.Join(subDir, uuid.NewString())
	filesDir := filepath.Join(staging, "JobFiles")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return fmt.Errorf("creating staging folder: %w", err)
	}

	toStage := append([]string{scene}, submitExtraFiles...)
	for _, f := range toStage {
		if err := stageFile(f, filesDir); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("staging %s: %w", f, err)
		}
	}

	j := &job.Job{
		Name:            name,
		SceneName:       filepath.Base(scene),
		ProjectName:     submitProject,
		UserName:        currentUser(),
		SubmitDate:      time.Now().Format(job.TimeFormat),
		FrameRange:      submitFrames,
		Program:         submitProgram,
		ProgramVersion:  submitVersion,
		Camera:          submitCamera,
		OutputPath:      submitOutputPath,
		UploadOutput:    submitOutputPath != "",
		FileCount:       len(toStage),
		Priority:        submitPriority,
		ListSlaves:      submitSlaves,
		TaskTimeout:     submitTimeout,
		ConcurrentTasks: submitConcurrent,
		Width:           submitWidth,
		Height:          submitHeight,
		Dependencies:    submitDepends,
		Tasks:           chunkTasks(start, end, submitChunk),
	}

	if err := writeJobDocument(filepath.Join(staging, "PandoraJob.json"), j); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("writing job document: %w", err)
	}

	fmt.Printf("Job %q staged with %d tasks (frames %d-%d, chunk %d)\n",
		name, len(j.Tasks), start, end, submitChunk)
	fmt.Println("The coordinator will assign it a job code on its next cycle.")
	return nil
}

// parseFrameRange accepts "N-M" or a single frame "N".
func parseFrameRange(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("frame range is required")
	}
	parts := strings.SplitN(s, "-", 2)
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid frame range %q", s)
	}
	end := start
	if len(parts) == 2 {
		end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid frame range %q", s)
		}
	}
	if end < start {
		return 0, 0, fmt.Errorf("frame range %q ends before it starts", s)
	}
	return start, end, nil
}

// chunkTasks splits the frame range into fixed-size task records.
func chunkTasks(start, end, chunk int) map[string]job.Task {
	tasks := make(map[string]job.Task)
	i := 0
	for f := start; f <= end; f += chunk {
		last := f + chunk - 1
		if last > end {
			last = end
		}
		tasks[job.TaskName(i)] = job.NewTask(f, last)
		i++
	}
	return tasks
}

func stageFile(src, dstDir string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dst := filepath.Join(dstDir, filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if fi, err := os.Stat(src); err == nil {
		os.Chtimes(dst, fi.ModTime(), fi.ModTime())
	}
	return nil
}

// writeJobDocument flattens the job into config entries so the document
// goes through the same verified writer the coordinator uses.
func writeJobDocument(path string, j *job.Job) error {
	doc := j.Document()
	var entries []config.Entry
	sections := make([]string, 0, len(doc))
	for s := range doc {
		sections = append(sections, s)
	}
	sort.Strings(sections)
	for _, s := range sections {
		keys := make([]string, 0, len(doc[s]))
		for k := range doc[s] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			entries = append(entries, config.Entry{Section: s, Key: k, Value: doc[s][k]})
		}
	}
	return config.SetBatch(path, entries)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}
