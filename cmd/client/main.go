package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/courier/internal/client"
	"github.com/Tyrowin/courier/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "courier-client [address] [port]",
		Short:         "Courier messaging client",
		Long:          "courier-client connects to a Courier router, registers a username, and exchanges point-to-point messages from an interactive console.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	rootCmd.Flags().StringP("name", "n", "", "username to register")
	return rootCmd
}

// loadConfig layers defaults, COURIER_* environment variables, positional
// arguments, and flags, strongest last.
func loadConfig(cmd *cobra.Command, args []string) (*client.Config, error) {
	v := viper.New()
	defaults := client.NewConfig()
	v.SetDefault("server_address", defaults.ServerAddr)
	v.SetDefault("server_port", defaults.ServerPort)
	v.SetEnvPrefix("COURIER")
	v.AutomaticEnv()

	cfg := client.NewConfig()
	cfg.ServerAddr = v.GetString("server_address")
	cfg.ServerPort = v.GetInt("server_port")

	if len(args) > 0 {
		cfg.ServerAddr = args[0]
	}
	if len(args) > 1 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", args[1])
		}
		cfg.ServerPort = port
	}

	cfg.Username, _ = cmd.Flags().GetString("name")
	if cfg.Username == "" {
		cfg.Username = promptUsername()
	}
	return cfg, nil
}

// promptUsername asks interactively when no name flag was given.
func promptUsername() string {
	fmt.Print("Username: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

func run(cfg *client.Config) error {
	roster := storage.NewMemoryRoster()
	transport := client.NewTransport(cfg, roster)
	if err := transport.Connect(); err != nil {
		return err
	}

	// Notification consumer: surface transport events on the terminal.
	go func() {
		for notification := range transport.Notifications() {
			switch notification.Kind {
			case client.NotifyNewMessage:
				fmt.Printf("\n*** new message from %s (see history)\n> ", notification.From)
			case client.NotifyConnectionLost:
				fmt.Println("\n*** connection to server lost, press enter to quit")
			}
		}
	}()

	console := client.NewConsole(transport, os.Stdin, os.Stdout)
	consoleDone := make(chan struct{})
	go func() {
		if err := console.Run(); err != nil {
			log.Printf("Console error: %v", err)
		}
		close(consoleDone)
	}()

	// Supervise both duties: whichever exits first ends the session.
	select {
	case <-consoleDone:
	case <-transport.Done():
	}
	transport.Shutdown()
	return nil
}
