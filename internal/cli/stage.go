package cli

import "github.com/spf13/cobra"

// NewStageCmd создаёт группу команд для ручной постановки стадий.
func NewStageCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Submit stages to a running pipeline",
	}

	cmd.AddCommand(newStageSubmitCmd(clientFn, outputFn))

	return cmd
}

func newStageSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req SubmitStageRequest

	cmd := &cobra.Command{
		Use:   "submit PIPELINE_ID",
		Short: "Enqueue a stage job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			resp, err := client.SubmitStage(args[0], req)
			if err != nil {
				return err
			}

			out.Submitted(resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.StageID, "stage-id", "", "Stage ID (required)")
	cmd.Flags().StringVar(&req.StageName, "name", "", "Stage display name")
	cmd.Flags().StringVar(&req.ExecutablePath, "executable", "", "Stage script path (required)")
	cmd.Flags().StringVar(&req.ConfigFile, "config", "", "Stage config file passed via --config")
	cmd.Flags().StringArrayVar(&req.Arguments, "arg", nil, "Extra argument (repeatable)")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Job priority, higher runs first")
	cmd.Flags().IntVar(&req.MaxAttempts, "max-attempts", 0, "Maximum attempts (server default if 0)")
	_ = cmd.MarkFlagRequired("stage-id")
	_ = cmd.MarkFlagRequired("executable")

	return cmd
}
