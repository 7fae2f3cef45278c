package main

import (
	"fmt"

	"fedfeeds/pkg/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the client configuration",
		Long:  fmt.Sprintf("Manage pinned servers and client defaults stored in %s.", config.GetConfigPath()),
	}

	cmd.AddCommand(configViewCmd(), configAddServerCmd(), configRemoveServerCmd())
	return cmd
}

func configViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Print the client configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(mutedStyle.Render("# " + config.GetConfigPath()))
			fmt.Print(string(data))
			return nil
		},
	}
}

func configAddServerCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "add-server DOMAIN SERVICE URI",
		Short: "Pin a service of a domain to a URI",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			err = cfg.AddServer(config.ServerInfo{
				Domain:      args[0],
				Service:     args[1],
				URI:         args[2],
				Description: description,
			})
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("✔ %s.%s -> %s", args[1], args[0], args[2])))
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "free-form note")
	return cmd
}

func configRemoveServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-server DOMAIN SERVICE",
		Short: "Remove a pinned server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			if err := cfg.RemoveServer(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("✔ removed %s.%s", args[1], args[0])))
			return nil
		},
	}
}
