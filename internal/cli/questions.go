package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-trivia/bot/internal/questions"
	"github.com/aura-trivia/bot/pkg/storage"
)

func newQuestionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Question bank tools",
	}

	var region string
	validate := &cobra.Command{
		Use:   "validate <path|s3://bucket/key>",
		Short: "Load a question bank and report the first invalid record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var fetcher questions.Fetcher
			if storage.IsURI(args[0]) {
				s3Client, err := storage.NewS3(ctx, storage.S3Config{Region: region}, nil)
				if err != nil {
					return err
				}
				fetcher = s3Client
			}
			pool, err := questions.Load(ctx, args[0], fetcher, nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d questions\n", pool.Len())
			return err
		},
	}
	validate.Flags().StringVar(&region, "region", "us-east-1", "AWS region for s3:// sources")

	cmd.AddCommand(validate)
	return cmd
}
