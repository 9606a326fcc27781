// Package cli is the triviactl operator tool: inspect and repair bot state in Redis
// without going through the chat.
package cli

import (
	"context"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Connector opens a Redis client for a URL.
type Connector func(ctx context.Context, url string) (*goredis.Client, error)

// Dial is the production Connector.
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

type app struct {
	connect        Connector
	redisURL       string
	totalQuestions int
}

func (a *app) client(ctx context.Context) (*goredis.Client, error) {
	return a.connect(ctx, a.redisURL)
}

// Execute runs triviactl.
func Execute() error {
	return NewRootCmd(Dial).Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd(connect Connector) *cobra.Command {
	a := &app{connect: connect}
	rootCmd := &cobra.Command{
		Use:           "triviactl",
		Short:         "Inspect and repair the trivia bot state",
		Long:          "triviactl validates question banks, shows the current round, lists stuck deadlines and resets user progress directly in Redis.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultURL := os.Getenv("REDIS_URL")
	if defaultURL == "" {
		defaultURL = "redis://localhost:6379/0"
	}
	rootCmd.PersistentFlags().StringVar(&a.redisURL, "redis-url", defaultURL, "Redis URL")
	rootCmd.PersistentFlags().IntVar(&a.totalQuestions, "total-questions", 30, "longest round length, bounds per-question keys on reset")

	rootCmd.AddCommand(
		newQuestionsCmd(),
		newRoundCmd(a),
		newDeadlinesCmd(a),
		newStatsCmd(a),
		newResetCmd(a),
	)
	return rootCmd
}
