package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/paybychance/paybychance/internal/app"
	"github.com/paybychance/paybychance/internal/gateway"
	"github.com/paybychance/paybychance/internal/session"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session",
	Long: `Starts an interactive prompt that owns the session: it refreshes the
token in the background, warns before logging out an idle user and logs out
after the inactivity timeout. Type "help" for the list of commands.`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

type shell struct {
	app *app.App
	out io.Writer
}

func runShell(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	displayAppname(out, "PayByChance")

	nav := session.NavigatorFunc(func(route string) {
		fmt.Fprintf(out, "\n-> %s\n", route)
	})
	warn := session.WithWarningHook(func(logoutAt time.Time) {
		fmt.Fprintf(out, "\nStill there? You will be logged out at %s. Enter any command to stay signed in.\n",
			logoutAt.Format(time.Kitchen))
	})

	a, err := setup(cmd, app.WithNavigator(nav), app.WithSessionOptions(warn))
	if err != nil {
		return err
	}
	defer a.Close()

	sh := &shell{app: a, out: out}
	return sh.serve(cmd.Context(), cmd.InOrStdin())
}

// serve reads commands until quit or end of input. Every line, blank ones
// included, counts as user activity.
func (s *shell) serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(s.out, "%s> ", s.route())
		if !scanner.Scan() {
			return scanner.Err()
		}
		s.app.Manager.CancelLogout()

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := s.run(ctx, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func displayAppname(w io.Writer, appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	fmt.Fprintln(w, myFigure.String())
}

func (s *shell) route() string {
	return s.app.Manager.Guard(session.RouteDashboard, true)
}

func (s *shell) run(ctx context.Context, name string, args []string) error {
	if name == "help" {
		s.help()
		return nil
	}
	if name == "login" {
		if len(args) != 2 {
			return fmt.Errorf("usage: login <username> <password>")
		}
		return s.app.Manager.Login(ctx, normalizeUsername(args[0]), args[1])
	}

	if !s.app.Manager.IsAuthenticated() {
		return errNotSignedIn
	}

	g := s.app.Gateway
	switch name {
	case "logout":
		s.app.Manager.Logout(ctx)
		return nil

	case "whoami":
		raw, err := g.JWTGet(ctx, "/wp/v2/users/me", nil)
		if err != nil {
			return err
		}
		return s.print(raw)

	case "products":
		products, err := g.Products(ctx, len(args) > 0 && args[0] == "--refresh")
		if err != nil {
			return err
		}
		return s.print(products)

	case "vendors":
		vendors, err := g.Vendors(ctx)
		if err != nil {
			return err
		}
		for _, v := range vendors {
			fmt.Fprintf(s.out, "%-8s %s\n", v.VendorID, v.VendorName)
		}
		return nil

	case "order":
		if len(args) < 1 {
			return fmt.Errorf("usage: order <raffle-cycle-id> [quantity]")
		}
		params := map[string]any{"raffle_cycle_id": args[0]}
		if len(args) > 1 {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			params["quantity"] = qty
		}
		raw, err := g.CreateOrder(ctx, params)
		if err != nil {
			return err
		}
		return s.print(raw)

	case "complete":
		if len(args) != 3 {
			return fmt.Errorf("usage: complete <order-id> <amount> <payment-method>")
		}
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}
		raw, err := g.CompleteOrder(ctx, args[0], amount, args[2])
		if err != nil {
			return err
		}
		return s.print(raw)

	case "pay":
		if len(args) != 1 {
			return fmt.Errorf("usage: pay <amount>")
		}
		amount, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[0])
		}
		url, err := g.InitiatePayment(ctx, map[string]any{"amount": amount})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "complete the payment at %s\n", url)
		return nil

	case "verify":
		if len(args) != 1 {
			return fmt.Errorf("usage: verify <reference>")
		}
		raw, err := g.VerifyTransaction(ctx, args[0])
		if err != nil {
			return err
		}
		return s.print(raw)

	case "balances":
		balances, err := g.FetchVendorBalances(ctx)
		if err != nil {
			return err
		}
		return s.print(balances)

	case "summary":
		summary, err := g.FetchVendorWalletSummary(ctx)
		if err != nil {
			return err
		}
		return s.print(summary)

	case "spend":
		if len(args) != 3 {
			return fmt.Errorf("usage: spend <merchant-id> <amount> <pin>")
		}
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}
		raw, err := g.SpendAtMerchant(ctx, gateway.SpendRequest{MerchantID: args[0], Amount: amount, PIN: args[2]})
		if err != nil {
			return err
		}
		return s.print(raw)

	case "session":
		d := s.app.Manager.Deadlines()
		sess := s.app.Manager.Session()
		if sess == nil {
			return errNotSignedIn
		}
		fmt.Fprintf(s.out, "state:       %s\n", s.app.Manager.State())
		fmt.Fprintf(s.out, "expires at:  %s\n", sess.ExpiresAt.Format(time.RFC3339))
		fmt.Fprintf(s.out, "warning at:  %s\n", d.WarningAt.Format(time.RFC3339))
		fmt.Fprintf(s.out, "logout at:   %s\n", d.LogoutAt.Format(time.RFC3339))
		return nil
	}
	return fmt.Errorf("unknown command %q, type help", name)
}

func (s *shell) print(v any) error {
	return printJSON(s.out, v)
}

func (s *shell) help() {
	fmt.Fprint(s.out, `commands:
  login <username> <password>
  logout
  whoami
  session
  products [--refresh]
  vendors
  order <raffle-cycle-id> [quantity]
  complete <order-id> <amount> <payment-method>
  pay <amount>
  verify <reference>
  balances
  summary
  spend <merchant-id> <amount> <pin>
  quit
`)
}
