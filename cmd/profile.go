package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newProfileCmd creates the 'profile' subcommand, which detects the
// storefront platform for a brand or an arbitrary URL and prints the profile.
func newProfileCmd() *cobra.Command {
	var (
		brandID string
		siteURL string
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Detect the storefront platform for a brand or URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			target := siteURL
			if brandID != "" {
				id, err := uuid.Parse(brandID)
				if err != nil {
					return fmt.Errorf("invalid --brand-id: %w", err)
				}
				brand, err := a.Brands().GetBrand(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("load brand %s: %w", id, err)
				}
				target = brand.SiteURL
			}
			if target == "" {
				return errors.New("either --brand-id or --url is required")
			}

			profile, err := a.Profiler().Profile(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("profile %s: %w", target, err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(profile); err != nil {
				return fmt.Errorf("encode profile: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&brandID, "brand-id", "", "brand whose site to profile")
	cmd.Flags().StringVar(&siteURL, "url", "", "site URL to profile directly")
	return cmd
}
