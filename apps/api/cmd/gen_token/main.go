// Command gen_token mints an officer session cookie value for local testing
// against a running API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func main() {
	var (
		secret       string
		officerID    int
		email        string
		role         string
		departmentID int
		ttl          time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gen_token",
		Short: "Print a signed officer session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("APP_SIGNING_SECRET")
			}
			if len(secret) < 16 {
				return fmt.Errorf("signing secret must be at least 16 characters (--secret or APP_SIGNING_SECRET)")
			}
			if role != "admin" && role != "officer" {
				return fmt.Errorf("role must be admin or officer")
			}

			now := time.Now()
			claims := jwt.MapClaims{
				"officer_id": officerID,
				"email":      email,
				"role":       role,
				"iat":        now.Unix(),
				"exp":        now.Add(ttl).Unix(),
			}
			if departmentID > 0 {
				claims["department_id"] = departmentID
			}
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&secret, "secret", "", "HS256 signing secret (defaults to APP_SIGNING_SECRET)")
	flags.IntVar(&officerID, "officer-id", 1, "Officer id claim")
	flags.StringVar(&email, "email", "admin@example.com", "Email claim")
	flags.StringVar(&role, "role", "admin", "Role claim: admin or officer")
	flags.IntVar(&departmentID, "department-id", 0, "Department id claim, 0 for none")
	flags.DurationVar(&ttl, "ttl", 8*time.Hour, "Token lifetime")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
