package main

import (
	"context"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/client"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newVotesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "votes",
		Short: "Call a running vote service",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every project with votes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				voteClient, err := newVoteClient()
				if err != nil {
					return err
				}
				book, err := client.NewVoteBook(voteClient, 0, nil)
				if err != nil {
					return err
				}
				if err := book.Load(cmd.Context()); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), book.List())
			},
		},
		newProjectVoteCommand("get", "Show a project's vote ratio", func(ctx context.Context, c *client.Client, projectID string) (interface{}, error) {
			return c.GetVoteRatio(ctx, projectID)
		}),
		newProjectVoteCommand("upvote", "Upvote a project", func(ctx context.Context, c *client.Client, projectID string) (interface{}, error) {
			return c.Upvote(ctx, projectID)
		}),
		newProjectVoteCommand("downvote", "Downvote a project", func(ctx context.Context, c *client.Client, projectID string) (interface{}, error) {
			return c.Downvote(ctx, projectID)
		}),
		newProjectVoteCommand("reset", "Reset a project's votes", func(ctx context.Context, c *client.Client, projectID string) (interface{}, error) {
			return c.ResetVotes(ctx, projectID)
		}),
	)
	return cmd
}

type projectVoteCall func(ctx context.Context, c *client.Client, projectID string) (interface{}, error)

func newProjectVoteCommand(use, short string, call projectVoteCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireArg(args, "project id")
			if err != nil {
				return err
			}
			voteClient, err := newVoteClient()
			if err != nil {
				return err
			}
			result, err := call(cmd.Context(), voteClient, projectID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newVoteClient() (*client.Client, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: clientConfig.ServerURL, Token: clientConfig.Token})
}
