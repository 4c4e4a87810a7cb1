package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/checkpoint"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/config"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
)

func newCursorCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Manage the provisioned client-status cursor",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision the client-status cursor and wait until it is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cursorApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tenants.Refresh(cmd.Context(), a.cfg.Tenant)
			if err != nil {
				return err
			}
			c, err := a.cursors.EnsureClientStatus(cmd.Context(), t)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.Name, c.State)
			if c.State != cursor.StateReady {
				return fmt.Errorf("cursor %s is %s", c.Name, c.State)
			}
			return nil
		},
	}

	var name string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the provisioning status of a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cursorApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tenants.Refresh(cmd.Context(), a.cfg.Tenant)
			if err != nil {
				return err
			}
			target := name
			if target == "" {
				target = t.Storage.String(checkpoint.IteratorKey(checkpoint.ClientStatusFeature))
			}
			if target == "" {
				return errors.New("no cursor provisioned for this tenant; pass --name")
			}
			status, err := a.cursors.Status(cmd.Context(), t, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", target, status)
			return nil
		},
	}
	statusCmd.Flags().StringVar(&name, "name", "", "Cursor name (default: the stored client-status cursor)")

	cmd.AddCommand(createCmd, statusCmd)
	return cmd
}

// cursorApp loads the configuration for the client-status subtype, the
// only one backed by a provisioned cursor.
func cursorApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	v.Set(config.KeyDataType, "event")
	v.Set(config.KeySubtypes, cursor.ClientStatusEventType)
	v.Set(config.KeyMode, string(cursor.ModeMaintenance))

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, setupLogger(cfg))
}
