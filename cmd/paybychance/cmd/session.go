package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/paybychance/paybychance/internal/phone"
	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in, run the shell and log in first")

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.Manager.IsAuthenticated() {
			return errNotSignedIn
		}
		raw, err := a.Gateway.JWTGet(cmd.Context(), "/wp/v2/users/me", nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the stored token with the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.Manager.IsAuthenticated() {
			return errNotSignedIn
		}
		if !a.Gateway.ValidateJWT(cmd.Context()) {
			return errors.New("token rejected by the backend")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "token is valid")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.Manager.IsAuthenticated() {
			if err := a.Store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "no active session")
			return nil
		}
		a.Manager.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(logoutCmd)
}

// normalizeUsername turns phone-number usernames into local form and leaves
// anything else alone.
func normalizeUsername(username string) string {
	if local := phone.NormalizeLocal(username); phone.IsLocal(local) {
		return local
	}
	return username
}

func printJSON(w io.Writer, v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
