package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
	"github.com/isaquesgti/sinistro-simplify/internal/ids"
	"github.com/isaquesgti/sinistro-simplify/internal/store/pg"
)

var (
	userEmail    string
	userPassword string
	userRole     string
	userStdin    bool
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Portal account management",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a portal user with its profile role",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := mail.ParseAddress(userEmail); err != nil {
			return fmt.Errorf("invalid email format: %w", err)
		}
		role, err := auth.ParseRole(userRole)
		if err != nil {
			return fmt.Errorf("--role must be client, insurer or admin: %w", err)
		}

		password := userPassword
		if userStdin {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
			if scanner.Scan() {
				password = strings.TrimRight(scanner.Text(), "\r\n")
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}
		if password == "" {
			return errors.New("password is required (use --password or --stdin)")
		}
		hash, err := idp.HashPassword(password)
		if err != nil {
			return err
		}

		dsn, err := databaseURL()
		if err != nil {
			return err
		}
		store, err := pg.Open(dsn)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		user := idp.User{ID: ids.New(), Email: userEmail, PasswordHash: hash}
		if err := store.CreateUser(cmd.Context(), user, role); err != nil {
			if errors.Is(err, pg.ErrConflict) {
				return fmt.Errorf("a user with email %s already exists", userEmail)
			}
			return fmt.Errorf("create user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s user %s (%s)\n", role, userEmail, user.ID)
		return nil
	},
}

func init() {
	usersCreateCmd.Flags().StringVar(&userEmail, "email", "", "Account e-mail address")
	usersCreateCmd.Flags().StringVar(&userPassword, "password", "", "Account password")
	usersCreateCmd.Flags().StringVar(&userRole, "role", "", "Profile role: client, insurer or admin")
	usersCreateCmd.Flags().BoolVar(&userStdin, "stdin", false, "Read the password from stdin")
	_ = usersCreateCmd.MarkFlagRequired("email")
	_ = usersCreateCmd.MarkFlagRequired("role")
	usersCmd.AddCommand(usersCreateCmd)
}
