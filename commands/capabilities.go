package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/store"
)

func capabilitiesCmd(configPath, logLevel *string) *cobra.Command {
	var (
		user  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List stored capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := context.Background()
			pg, err := store.NewPostgres(ctx, cfg.Database.URL, nil, logger)
			if err != nil {
				return err
			}
			defer pg.Close()

			caps, err := pg.ListForUser(ctx, user, domain.VisibilityPublic, limit)
			if err != nil {
				return fmt.Errorf("list capabilities: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FQDN\tUSES\tSUCCESS\tPERMS\tLAST USED")
			for _, c := range caps {
				lastUsed := "never"
				if c.Stats.LastUsedAt != nil {
					lastUsed = c.Stats.LastUsedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%s\t%s\n",
					c.FQDN.String(),
					c.Stats.UsageCount,
					c.Stats.SuccessRate*100,
					c.PermissionSet,
					lastUsed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Include this user's private capabilities")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of capabilities to list")
	return cmd
}
