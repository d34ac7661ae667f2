package autocrit

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autocrit",
	Short: "Supervised fine-tuning driver for causal language models",
	Long: `autocrit loads a pretrained causal language model and tokenizer, builds a
supervised fine-tuning dataset from prompt/response records, trains with
periodic evaluation and sampling, and saves the resulting checkpoint.`,
	SilenceUsage: true,
}

func newTrainCmd() *cobra.Command {
	var (
		configPath   string
		dsConfigPath string
		deepspeed    string
		localRank    int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a fine-tuning job from a YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if dsConfigPath != "" {
				cfg.TrainArgs.Deepspeed = dsConfigPath
			}
			return Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config_path", "", "path to the YAML run configuration")
	cmd.Flags().StringVar(&dsConfigPath, "ds_config_path", "", "path to the distributed engine configuration")
	// accepted for launcher compatibility; the values themselves are unused
	cmd.Flags().StringVar(&deepspeed, "deepspeed", "", "distributed engine config passed by the launcher")
	cmd.Flags().IntVar(&localRank, "local_rank", 0, "local process rank passed by the launcher")
	cmd.MarkFlagRequired("config_path")
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	rootCmd.AddCommand(newTrainCmd())
	return rootCmd.Execute()
}
