package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/xeptore/mcauth/minecraft/auth"
)

func login(cliCtx *cli.Context) error {
	s, err := open(cliCtx)
	if nil != err {
		return err
	}
	defer s.close()

	h, err := s.launcher.BeginLogin(s.ctx)
	if nil != err {
		return err
	}
	if h.UserCode != "" {
		fmt.Fprintf(os.Stdout, "Enter the code %s at %s\n", h.UserCode, h.URL)
	}

	creds, err := s.launcher.AwaitLogin(s.ctx, h)
	if nil != err {
		if errors.Is(err, auth.ErrCancelled) {
			s.launcher.CancelLogin(h)
		}
		return err
	}
	fmt.Fprintf(os.Stdout, "Signed in as %s (%s)\n", creds.Username, creds.ID)
	return nil
}

func listAccounts(cliCtx *cli.Context) error {
	s, err := open(cliCtx)
	if nil != err {
		return err
	}
	defer s.close()

	accounts := s.launcher.Accounts()
	if len(accounts) == 0 {
		fmt.Fprintln(os.Stdout, "No accounts. Run login to add one.")
		return nil
	}
	def, _ := s.launcher.DefaultAccount()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tUSERNAME\tID\tEXPIRES")
	for _, a := range accounts {
		marker := ""
		if a.ID == def {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, a.Username, a.ID, expiry(a.ExpiresAt))
	}
	return w.Flush()
}

func expiry(t time.Time) string {
	d := time.Until(t).Round(time.Minute)
	if d <= 0 {
		return "expired"
	}
	return "in " + d.String()
}

func accountArg(cliCtx *cli.Context, s *session, required bool) (uuid.UUID, error) {
	arg := cliCtx.Args().First()
	if arg == "" {
		if required {
			return uuid.Nil, errors.New("account id argument is required")
		}
		id, ok := s.launcher.DefaultAccount()
		if !ok {
			accounts := s.launcher.Accounts()
			if len(accounts) == 0 {
				return uuid.Nil, errors.New("no accounts stored")
			}
			return accounts[0].ID, nil
		}
		return id, nil
	}
	if id, err := uuid.Parse(arg); nil == err {
		return id, nil
	}
	// Usernames are accepted too.
	accounts := s.launcher.Accounts()
	if i := slices.IndexFunc(accounts, func(a auth.Credentials) bool { return a.Username == arg }); i >= 0 {
		return accounts[i].ID, nil
	}
	return uuid.Nil, fmt.Errorf("no account matches %q", arg)
}

func setDefaultAccount(cliCtx *cli.Context) error {
	s, err := open(cliCtx)
	if nil != err {
		return err
	}
	defer s.close()

	id, err := accountArg(cliCtx, s, true)
	if nil != err {
		return err
	}
	if err := s.launcher.SetDefaultAccount(s.ctx, id); nil != err {
		return err
	}
	fmt.Fprintf(os.Stdout, "Default account set to %s\n", id)
	return nil
}

func removeAccount(cliCtx *cli.Context) error {
	s, err := open(cliCtx)
	if nil != err {
		return err
	}
	defer s.close()

	id, err := accountArg(cliCtx, s, true)
	if nil != err {
		return err
	}
	if err := s.launcher.RemoveAccount(s.ctx, id); nil != err {
		return err
	}
	fmt.Fprintf(os.Stdout, "Removed account %s\n", id)
	return nil
}

func refresh(cliCtx *cli.Context) error {
	s, err := open(cliCtx)
	if nil != err {
		return err
	}
	defer s.close()

	if cliCtx.Bool(flagAll) {
		results := s.launcher.RefreshAll(s.ctx)
		if len(results) == 0 {
			fmt.Fprintln(os.Stdout, "No account needs a refresh.")
			return nil
		}
		failed := 0
		for id, res := range results {
			if err := res.Err(); nil != err {
				failed++
				fmt.Fprintf(os.Stdout, "%s: %s\n", id, auth.Message(err))
				continue
			}
			creds := res.Unwrap()
			fmt.Fprintf(os.Stdout, "%s: refreshed %s, expires %s\n", id, creds.Username, expiry(creds.ExpiresAt))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d refreshes failed", failed, len(results))
		}
		return nil
	}

	id, err := accountArg(cliCtx, s, false)
	if nil != err {
		return err
	}
	creds, err := s.launcher.Refresh(s.ctx, id)
	if nil != err {
		return err
	}
	fmt.Fprintf(os.Stdout, "Refreshed %s, expires %s\n", creds.Username, expiry(creds.ExpiresAt))
	return nil
}

func profile(cliCtx *cli.Context) error {
	s, err := open(cliCtx)
	if nil != err {
		return err
	}
	defer s.close()

	id, err := accountArg(cliCtx, s, false)
	if nil != err {
		return err
	}
	p, err := s.launcher.Profile(s.ctx, id)
	if nil != err {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s %s\n", p.ID, p.Username)
	return nil
}

func showConfig(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx, nopLogger())
	if nil != err {
		return err
	}
	b, err := cfg.YAML()
	if nil != err {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}
