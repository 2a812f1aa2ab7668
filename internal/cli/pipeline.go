package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
)

// NewPipelineCmd создаёт группу команд для управления pipelines.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
	}

	cmd.AddCommand(
		newPipelineListCmd(clientFn, outputFn),
		newPipelineStartCmd(clientFn, outputFn),
		newPipelineStatusCmd(clientFn, outputFn),
		newPipelineCancelCmd(clientFn, outputFn),
		newPipelineJobsCmd(clientFn, outputFn),
		newPipelineWatchCmd(clientFn, outputFn),
	)

	return cmd
}

func newPipelineListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pipelines, err := client.ListPipelines(ListPipelinesOpts{
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			out.Pipelines(pipelines)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (idle, running, completed, error, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newPipelineStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "start FILE",
		Short: "Start a pipeline from a JSON or YAML spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read spec: %w", err)
			}

			p, err := client.StartPipeline(data, specContentType(args[0]))
			if err != nil {
				return err
			}

			out.Notice("Pipeline started: %s", p.ID)
			if !watch {
				out.Pipeline(p, false)
				return nil
			}
			return watchPipeline(cmd.Context(), client, out, p.ID)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Stream progress events until the pipeline finishes")

	return cmd
}

func newPipelineStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var withOutput bool

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetPipeline(args[0], withOutput)
			if err != nil {
				return err
			}

			out.Pipeline(p, withOutput)
			return nil
		},
	}

	cmd.Flags().BoolVar(&withOutput, "output", false, "Include stdout and stderr of finished stages")

	return cmd
}

func newPipelineCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.CancelPipeline(args[0])
			if err != nil {
				return err
			}

			out.Notice("Pipeline %s: %s", p.ID, p.Status)
			return nil
		},
	}
}

func newPipelineJobsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs PIPELINE_ID",
		Short: "List stage jobs of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			jobs, err := client.ListJobs(args[0])
			if err != nil {
				return err
			}

			out.Jobs(jobs)
			return nil
		},
	}
}

func newPipelineWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "watch ID",
		Short: "Stream progress events of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchPipeline(cmd.Context(), clientFn(), outputFn(), args[0])
		},
	}
}

// watchPipeline выводит события pipeline до pipeline_complete.
// Возвращает ошибку, если pipeline завершился не в статусе completed.
func watchPipeline(ctx context.Context, client *Client, out *Output, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, err := client.WatchPipeline(ctx, id)
	if err != nil {
		return err
	}

	for msg := range msgs {
		if msg.Err != nil {
			out.Warn(msg.Err)
			continue
		}

		ev := msg.Event
		out.Event(ev)

		if ev.Type == domain.EventPipelineComplete {
			status, _ := ev.Payload["status"].(string)
			if status != string(domain.ExecutionStatusCompleted) {
				return fmt.Errorf("pipeline %s finished with status %s", id, status)
			}
			return nil
		}
	}

	return fmt.Errorf("event stream for pipeline %s closed before completion", id)
}

// specContentType определяет Content-Type по расширению файла.
func specContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/json"
	}
}
