package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"classroom-battle-service/internal/config"
	"classroom-battle-service/internal/domain"
	"github.com/spf13/cobra"
)

// NewProfileCmd groups offline progression administration.
func NewProfileCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect and adjust student progression",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "enroll <studentId> <class>",
		Short: "Create a level 1 profile (classes: guardian, mage, healer)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), *configPath, func(svc *services) error {
				p, err := svc.progression.Enroll(cmd.Context(), args[0], domain.CharacterClass(args[1]))
				if err != nil {
					return err
				}
				return printProfile(cmd.OutOrStdout(), p)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <studentId>",
		Short: "Print a student's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), *configPath, func(svc *services) error {
				p, err := svc.progression.Profile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printProfile(cmd.OutOrStdout(), p)
			})
		},
	})

	var owner string
	grant := &cobra.Command{
		Use:   "grant <studentId> <delta>",
		Short: "Add (or with a negative delta, remove) experience",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("delta must be an integer: %w", err)
			}
			return withServices(cmd.Context(), *configPath, func(svc *services) error {
				p, err := svc.progression.AdjustExperience(cmd.Context(), args[0], owner, delta)
				if err != nil {
					return err
				}
				return printProfile(cmd.OutOrStdout(), p)
			})
		},
	}
	grant.Flags().StringVar(&owner, "owner", "", "owner whose level table applies (default table if empty)")
	cmd.AddCommand(grant)

	return cmd
}

func withServices(ctx context.Context, configPath string, fn func(*services) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.ProgressionDriver() == config.DriverMemory {
		return fmt.Errorf("profile commands need a persistent progression driver (sqlite or postgres)")
	}
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func printProfile(w io.Writer, p domain.Profile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
