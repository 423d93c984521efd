package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/app"
)

var password string

var registerCmd = &cobra.Command{
	Use:     "register <username>",
	GroupID: "account",
	Short:   "Create an account on the remote store",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		pw, err := readPassword()
		if err != nil {
			return err
		}
		id, err := a.Service.Register(ctx, args[0], pw)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (user %d). Run 'tasksync login %s' next.\n", args[0], id, args[0])
		return nil
	}),
}

var loginCmd = &cobra.Command{
	Use:     "login <username>",
	GroupID: "account",
	Short:   "Sign in and store the token on this device",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		pw, err := readPassword()
		if err != nil {
			return err
		}
		claims, err := a.Service.Login(ctx, args[0], pw)
		if err != nil {
			return err
		}
		fmt.Printf("Signed in as %s\n", claims.Username)
		return nil
	}),
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "account",
	Short:   "Forget the stored token",
	Long: `Forget the stored token. Local tasks and queued changes stay on this
device and are delivered after the next login.`,
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		if err := a.Service.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	}),
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().StringVarP(&password, "password", "p", "", "password (default: $TASKSYNC_PASSWORD or read from stdin)")
	}
	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd)
}

func readPassword() (string, error) {
	if password != "" {
		return password, nil
	}
	if pw := os.Getenv("TASKSYNC_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
