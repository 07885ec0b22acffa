package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/siteship/siteship/core/deploy"
	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/identity"
	"github.com/siteship/siteship/core/infra/bus"
	"github.com/siteship/siteship/core/infra/config"
	"github.com/siteship/siteship/core/infra/locks"
	"github.com/siteship/siteship/core/source"
)

// newDeployCmd submits a deploy job onto the bus.
func newDeployCmd() *cobra.Command {
	var (
		siteID string
		userID string
		host   string
		owner  string
		repo   string
		ref    string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Submit a deployment job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			natsBus, err := bus.NewNatsBus(cfg.NatsURL)
			if err != nil {
				return err
			}
			defer natsBus.Close()

			job := deploy.DeployJob{
				DeployID: uuid.NewString(),
				SiteID:   siteID,
				UserID:   userID,
				Source: source.SourceReference{
					Host:  source.HostKind(host),
					Owner: owner,
					Repo:  repo,
					Ref:   ref,
				},
			}
			if err := job.Source.Validate(); err != nil {
				return err
			}
			packet, err := bus.NewPacket("deploy.request", job.DeployID, "siteshipctl", job)
			if err != nil {
				return err
			}
			if err := natsBus.Publish(bus.SubjectDeploy, packet); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "submitted deploy", job.DeployID)
			return nil
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "target site id")
	cmd.Flags().StringVar(&userID, "user", "", "user whose credentials to deploy with")
	cmd.Flags().StringVar(&host, "host", "github", "source host (github or gitlab)")
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&ref, "ref", "main", "branch, tag or commit")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

// newStatusCmd polls the status of a release until it succeeds or the
// timeout passes. The backend never reports a failed release; a deployment
// that never turns up is the failure signal.
func newStatusCmd() *cobra.Command {
	var (
		userID  string
		timeout time.Duration
		watch   bool
	)
	cmd := &cobra.Command{
		Use:   "status <site> <release>",
		Short: "Report the state of a release",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			siteID, releaseID := args[0], args[1]
			p, cleanup, err := buildPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			for {
				rec, err := p.Status(ctx, userID, siteID, releaseID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", rec.ID, rec.Status, rec.URL)
				if rec.Status == deploy.StatusSuccess || !watch {
					return nil
				}
				select {
				case <-ctx.Done():
					return faults.New(faults.CodeStatusUnavailable,
						"release "+releaseID+" still in progress after "+timeout.String())
				case <-time.After(3 * time.Second):
				}
			}
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose credentials to query with")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long when watching")
	cmd.Flags().BoolVar(&watch, "watch", false, "poll until the release succeeds")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// newReleasesCmd lists recorded releases and hosts the reissue subcommand.
func newReleasesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "releases <site>",
		Short: "List recent releases for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := deploy.NewReleaseStore(cfg.RedisURL)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					rec.ID, rec.Status, rec.CreatedAt.Format(time.RFC3339), rec.URL)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum releases to list")
	cmd.AddCommand(newReissueCmd())
	return cmd
}

// newReissueCmd re-runs finalize and release against an existing version,
// the resume path for a crash between those two calls.
func newReissueCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "reissue <site> <version>",
		Short: "Re-issue the release for a finalized version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := buildPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			rec, err := p.Reissue(cmd.Context(), userID, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s as %s (%s)\n", args[1], rec.ID, rec.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose credentials to release with")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// buildPipeline wires a Pipeline for the read-side and reissue commands.
func buildPipeline() (*deploy.Pipeline, func(), error) {
	cfg := config.Load()
	deployerCfg, err := config.LoadDeployer(cfg.DeployerConfigPath)
	if err != nil {
		return nil, nil, err
	}
	profiles, err := identity.NewRedisProfileStore(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	lockStore, err := locks.NewRedisStore(cfg.RedisURL)
	if err != nil {
		profiles.Close()
		return nil, nil, err
	}
	releases, err := deploy.NewReleaseStore(cfg.RedisURL)
	if err != nil {
		profiles.Close()
		lockStore.Close()
		return nil, nil, err
	}
	refresher := identity.NewRefresher(profiles, identity.NewTokenClient(), lockStore, nil)
	p := deploy.NewPipeline(deployerCfg, refresher, lockStore, releases, deploy.NewProgressHub(), nil)
	cleanup := func() {
		profiles.Close()
		lockStore.Close()
		releases.Close()
	}
	return p, cleanup, nil
}
