package cli

import "github.com/spf13/cobra"

// NewQueueCmd создаёт группу команд для очереди.
func NewQueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the stage queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			s, err := client.QueueStats()
			if err != nil {
				return err
			}

			out.QueueStats(s)
			return nil
		},
	})

	return cmd
}
