package cli

import "github.com/spf13/cobra"

// NewJobCmd создаёт группу команд для просмотра stage jobs.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect stage jobs",
	}

	cmd.AddCommand(newJobShowCmd(clientFn, outputFn))

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			j, err := client.GetJob(args[0])
			if err != nil {
				return err
			}

			out.Job(j)
			return nil
		},
	}
}
