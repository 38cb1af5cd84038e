package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/santeplus/medportal/internal/adapters/backend"
	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/service"
)

func newLoginCmd(flags *rootFlags) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the access token",
		Long: `Sign in to the medical backend. The token, roles and profile are kept in
the credentials file until logout or expiry. The password is read from
--password, or prompted for when omitted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			if username == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Username: ")
				if username, err = readLine(a.in); err != nil {
					return err
				}
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				if password, err = readPassword(a); err != nil {
					return err
				}
			}

			sess := a.sessions.Open(ctx, cliContextKey)
			res, err := a.sessions.Login(ctx, sess, username, password)
			if err != nil {
				return err
			}
			if !res.ProfileLoaded {
				fmt.Fprintln(a.out, "Signed in; the profile could not be loaded (run 'whoami --refresh').")
				return nil
			}
			fmt.Fprintf(a.out, "Signed in as %s\n", res.User.DisplayName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prompted when empty)")
	return cmd
}

// readPassword disables echo when stdin is a terminal.
func readPassword(a *app) (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	return readLine(a.in)
}

func newLogoutCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			sess := a.sessions.Open(ctx, cliContextKey)
			if err := a.sessions.Logout(ctx, sess); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Signed out")
			return nil
		},
	}
}

func newWhoamiCmd(flags *rootFlags) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			sess, err := a.session(ctx)
			if err != nil {
				return err
			}
			if refresh || !sess.ProfileLoaded() {
				if err := a.sessions.RefreshProfile(ctx, sess, ""); err != nil {
					return a.handleBackendError(ctx, sess, err)
				}
			}
			printUser(a, sess)
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the profile from the backend")
	return cmd
}

func printUser(a *app, sess *service.Session) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	roles := make([]string, 0, len(sess.Roles()))
	for _, r := range sess.Roles() {
		roles = append(roles, string(r))
	}
	u := sess.CurrentUser()
	if u == nil {
		fmt.Fprintf(tw, "Roles:\t%s\n", strings.Join(roles, ", "))
		return
	}
	fmt.Fprintf(tw, "Name:\t%s\n", u.DisplayName())
	fmt.Fprintf(tw, "Username:\t%s\n", u.Username)
	fmt.Fprintf(tw, "Roles:\t%s\n", strings.Join(roles, ", "))
	if u.Email != "" {
		fmt.Fprintf(tw, "Email:\t%s\n", u.Email)
	}
	if u.Hospital != nil {
		fmt.Fprintf(tw, "Hospital:\t%s (%d)\n", u.Hospital.Name, u.Hospital.ID)
	}
}

// hospitalFlag resolves --hospital, falling back to the profile's hospital.
func hospitalFlag(ctx context.Context, a *app, sess *service.Session, override int64) (int64, error) {
	if override > 0 {
		return override, nil
	}
	return a.hospitalOf(ctx, sess)
}

func newPatientsCmd(flags *rootFlags) *cobra.Command {
	var hospital int64
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "List the imaging patients of your hospital",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			sess, err := a.session(ctx)
			if err != nil {
				return err
			}
			id, err := hospitalFlag(ctx, a, sess, hospital)
			if err != nil {
				return err
			}
			list, err := a.backend.Patients(ctx, id)
			if err != nil {
				return a.handleBackendError(ctx, sess, err)
			}

			fmt.Fprintf(a.out, "%s: %d patient(s)\n", list.HospitalName, len(list.Patients))
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tBIRTH\tSEX\tSTUDIES")
			for _, p := range list.Patients {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
					p.ID, p.PatientName, backend.FormatDate(p.PatientBirth), p.PatientSex, len(p.Studies))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&hospital, "hospital", 0, "hospital id (defaults to the profile's hospital)")
	return cmd
}

func newPatientCmd(flags *rootFlags) *cobra.Command {
	var hospital int64
	cmd := &cobra.Command{
		Use:   "patient <id>",
		Short: "Show one patient's studies and series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			sess, err := a.session(ctx)
			if err != nil {
				return err
			}
			id, err := hospitalFlag(ctx, a, sess, hospital)
			if err != nil {
				return err
			}
			d, err := a.backend.PatientDetails(ctx, args[0], id)
			if err != nil {
				return a.handleBackendError(ctx, sess, err)
			}

			fmt.Fprintf(a.out, "%s  born %s  sex %s  (%s)\n", d.PatientName, d.FormattedBirthDate(), d.PatientSex, d.HospitalName)
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STUDY\tDATE\tTIME\tDESCRIPTION\tSERIES")
			for _, st := range d.Studies {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
					st.ID, st.FormattedDate(), st.FormattedTime(), st.Description, len(st.Series))
				for _, se := range st.Series {
					fmt.Fprintf(tw, "  %s\t%s\t#%s\t%s\t%d image(s)\n",
						se.ID, se.Modality, se.Number, se.Description, se.InstancesCount)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&hospital, "hospital", 0, "hospital id (defaults to the profile's hospital)")
	return cmd
}

func newEmailCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Send email through the backend",
	}

	var (
		to, cc, bcc   []string
		subject, html string
		text          string
		async         bool
	)
	send := &cobra.Command{
		Use:   "send",
		Short: "Send a complete message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, flags, func(ctx context.Context, a *app) error {
				msg := backend.Email{To: to, CC: cc, BCC: bcc, Subject: subject, HTML: html, Text: text}
				if async {
					if err := a.backend.SendEmailAsync(ctx, msg); err != nil {
						return err
					}
					fmt.Fprintln(a.out, "Queued")
					return nil
				}
				res, err := a.backend.SendEmail(ctx, msg)
				return reportEmail(a, res, err)
			})
		},
	}
	send.Flags().StringSliceVar(&to, "to", nil, "recipient (repeatable)")
	send.Flags().StringSliceVar(&cc, "cc", nil, "carbon copy (repeatable)")
	send.Flags().StringSliceVar(&bcc, "bcc", nil, "blind carbon copy (repeatable)")
	send.Flags().StringVar(&subject, "subject", "", "subject line")
	send.Flags().StringVar(&html, "html", "", "HTML body")
	send.Flags().StringVar(&text, "text", "", "plain-text body")
	send.Flags().BoolVar(&async, "async", false, "queue the message instead of waiting for delivery")

	var simpleTo, simpleSubject, simpleHTML string
	simple := &cobra.Command{
		Use:   "simple",
		Short: "Send a single-recipient HTML message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.backend.SendSimpleEmail(ctx, simpleTo, simpleSubject, simpleHTML)
				return reportEmail(a, res, err)
			})
		},
	}
	simple.Flags().StringVar(&simpleTo, "to", "", "recipient")
	simple.Flags().StringVar(&simpleSubject, "subject", "", "subject line")
	simple.Flags().StringVar(&simpleHTML, "html", "", "HTML body")

	welcome := &cobra.Command{
		Use:   "welcome <to> <first-name>",
		Short: "Send the welcome template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.backend.SendWelcomeEmail(ctx, args[0], args[1])
				return reportEmail(a, res, err)
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <to> <reset-token>",
		Short: "Send the password-reset template (no sign-in needed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			res, err := a.backend.SendPasswordReset(ctx, args[0], args[1])
			return reportEmail(a, res, err)
		},
	}

	cmd.AddCommand(send, simple, welcome, reset)
	return cmd
}

// withSession runs fn for an authenticated session and signs out locally
// when the backend rejects the stored token.
func withSession(cmd *cobra.Command, flags *rootFlags, fn func(context.Context, *app) error) error {
	a, ctx, err := newApp(cmd, flags)
	if err != nil {
		return err
	}
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, a); err != nil {
		return a.handleBackendError(ctx, sess, err)
	}
	return nil
}

func reportEmail(a *app, res backend.EmailResponse, err error) error {
	if err != nil {
		return err
	}
	if !res.OK() {
		return apperrors.Unavailable("backend refused the message: " + res.Message)
	}
	if res.ID != "" {
		fmt.Fprintf(a.out, "Sent (id %s)\n", res.ID)
		return nil
	}
	fmt.Fprintln(a.out, "Sent")
	return nil
}
