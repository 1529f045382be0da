package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"carepro-cli/internal/address"
	"carepro-cli/internal/app"
	"carepro-cli/internal/auth"
	"carepro-cli/internal/certificates"
	"carepro-cli/internal/eligibility"
	"carepro-cli/internal/general"
	"carepro-cli/internal/models"
	"carepro-cli/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func registerCommands(root *cobra.Command) {
	root.AddCommand(
		loginCmd(),
		logoutCmd(),
		whoamiCmd(),
		profileCmd(),
		categoriesCmd(),
		assessCmd(),
		generalCmd(),
		eligibilityCmd(),
		certificatesCmd(),
		addressCmd(),
		notificationsCmd(),
	)
}

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			if email == "" {
				email = prompt(cmd.OutOrStdout(), in, "Email: ")
			}
			if password == "" {
				password = os.Getenv("CAREPRO_PASSWORD")
			}
			if password == "" {
				password = promptPassword(cmd.OutOrStdout(), cmd.InOrStdin(), in, "Password: ")
			}

			return withApp(false, func(ctx context.Context, a *app.App) error {
				user, err := a.Auth.Login(ctx, email, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Signed in as %s (%s)\n", user.FullName(), user.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (or CAREPRO_PASSWORD)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session in every running carepro process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				if err := a.Auth.Logout(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "👋 Signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				user := a.Auth.CurrentUser()
				if user == nil {
					return auth.ErrNotAuthenticated
				}
				fmt.Fprintf(out, "Name:   %s\n", user.FullName())
				fmt.Fprintf(out, "Email:  %s\n", user.Email)
				fmt.Fprintf(out, "Role:   %s\n", user.Role)

				token, _ := a.Auth.Token()
				if expiry, ok := auth.TokenExpiry(token); ok {
					state := "valid"
					if a.Auth.TokenExpired() {
						state = "expired, please log in again"
					}
					fmt.Fprintf(out, "Token:  %s until %s\n", state, expiry.Local().Format(time.RFC1123))
				}
				if first, err := a.Store.IsFirstLogin(); err == nil && first {
					fmt.Fprintln(out, "First login: complete your profile and the qualification assessment")
				}

				if user.ID != "" {
					status, stale, err := a.VerificationStatus(ctx, user.ID)
					switch {
					case err != nil:
						fmt.Fprintf(out, "Verification: unavailable (%v)\n", err)
					case stale:
						fmt.Fprintf(out, "Verification: %s (cached %s)\n", verificationLabel(status), status.CheckedAt.Local().Format(time.DateOnly))
					default:
						fmt.Fprintf(out, "Verification: %s\n", verificationLabel(status))
					}
				}
				return nil
			})
		},
	}
}

func verificationLabel(s *models.VerificationStatus) string {
	if s.IsVerified {
		return "verified"
	}
	if s.Status != "" {
		return s.Status
	}
	return "not verified"
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update the caregiver profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				id, err := a.RequireCaregiver()
				if err != nil {
					return err
				}
				c, err := a.API.GetCaregiver(ctx, id)
				if err != nil {
					return err
				}
				printCaregiver(cmd.OutOrStdout(), c)
				return nil
			})
		},
	}

	var about, location, phone, homeAddress string
	var available bool
	update := &cobra.Command{
		Use:   "update",
		Short: "Update profile fields; other carepro processes are notified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				id, err := a.RequireCaregiver()
				if err != nil {
					return err
				}
				c, err := a.API.GetCaregiver(ctx, id)
				if err != nil {
					return err
				}

				flags := cmd.Flags()
				if flags.Changed("about") {
					c.AboutMe = about
				}
				if flags.Changed("location") {
					c.Location = location
				}
				if flags.Changed("phone") {
					c.PhoneNo = phone
				}
				if flags.Changed("available") {
					c.IsAvailable = available
				}
				if flags.Changed("address") {
					hook := a.AddressHook()
					defer hook.Close()
					res := hook.Validate(ctx, homeAddress)
					printValidation(cmd.OutOrStdout(), res)
					if !res.IsValid {
						return errors.New("address is not valid")
					}
					c.HomeAddress = res.FormattedAddress
				}

				updated, err := a.UpdateProfile(ctx, *c)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✅ Profile updated")
				printCaregiver(cmd.OutOrStdout(), updated)
				return nil
			})
		},
	}
	update.Flags().StringVar(&about, "about", "", "About me")
	update.Flags().StringVar(&location, "location", "", "Location")
	update.Flags().StringVar(&phone, "phone", "", "Phone number")
	update.Flags().StringVar(&homeAddress, "address", "", "Home address, validated before saving")
	update.Flags().BoolVar(&available, "available", true, "Available for gigs")
	cmd.AddCommand(update)
	return cmd
}

func printCaregiver(out io.Writer, c *models.Caregiver) {
	fmt.Fprintf(out, "Name:       %s %s\n", c.FirstName, c.LastName)
	fmt.Fprintf(out, "Email:      %s\n", c.Email)
	fmt.Fprintf(out, "Phone:      %s\n", c.PhoneNo)
	fmt.Fprintf(out, "Address:    %s\n", c.HomeAddress)
	fmt.Fprintf(out, "Location:   %s\n", c.Location)
	fmt.Fprintf(out, "Available:  %t\n", c.IsAvailable)
	if len(c.ServiceCategories) > 0 {
		fmt.Fprintf(out, "Services:   %s\n", strings.Join(c.ServiceCategories, ", "))
	}
	if c.AboutMe != "" {
		fmt.Fprintf(out, "\n%s\n", c.AboutMe)
	}
}

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List service categories with a specialized assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				reqs, err := a.API.GetServiceRequirements(ctx)
				if err != nil {
					logger.Warn("service requirements unavailable", zap.Error(err))
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CATEGORY\tTITLE\tPASS\tQUESTIONS\tCERTIFICATES")
				for _, c := range a.Policy.Categories {
					pass, count, certs := "-", "-", ""
					for _, r := range reqs {
						if r.ServiceCategory == c.Name {
							pass = fmt.Sprintf("%.0f%%", r.PassingScore)
							count = strconv.Itoa(r.QuestionCount)
							certs = strings.Join(r.RequiredCertificates, ", ")
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.Title, pass, count, certs)
				}
				return w.Flush()
			})
		},
	}
}

func assessCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Take the timed specialized assessment for a service category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app.App) error {
				cat, ok := a.Policy.GetCategory(category)
				if !ok {
					return fmt.Errorf("unknown category %q, see 'carepro categories'", category)
				}

				ctrl := a.AssessmentController(cat.Name)
				defer ctrl.Close()

				model := tui.NewQuizModel(ctx, ctrl, cat.Title)
				defer model.Close()

				_, err := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen()).Run()
				if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "Service category, e.g. MedicalSupport")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func generalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "general",
		Short: "Show the qualification assessment status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				view, err := a.GeneralHub().Load(ctx)
				if err != nil {
					return err
				}
				printGeneralView(cmd.OutOrStdout(), view)
				return nil
			})
		},
	}

	take := &cobra.Command{
		Use:   "take",
		Short: "Answer the qualification assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app.App) error {
				return runGeneralAssessment(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.GeneralHub())
			})
		},
	}
	cmd.AddCommand(take)
	return cmd
}

func printGeneralView(out io.Writer, view *general.View) {
	switch view.Status {
	case general.StatusPassed:
		fmt.Fprintln(out, "✅ Qualified")
	case general.StatusRetry:
		fmt.Fprintln(out, "⚠️  Not qualified yet")
	default:
		fmt.Fprintln(out, "📝 Not taken")
	}
	fmt.Fprintln(out, view.Guidance)
	if view.Stale {
		fmt.Fprintln(out, "(server unreachable, showing last known status)")
	}
}

// runGeneralAssessment задаёт вопросы в консоли, как обычный опрос
func runGeneralAssessment(ctx context.Context, in io.Reader, out io.Writer, hub *general.Hub) error {
	view, err := hub.Load(ctx)
	if err != nil {
		return err
	}
	if view.Status == general.StatusPassed {
		printGeneralView(out, view)
		return nil
	}
	if !view.CanRetake {
		printGeneralView(out, view)
		return general.ErrRetakeLater
	}

	questions, err := hub.Questions(ctx)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	answers := make(models.AnswerMap, len(questions))
	for i, q := range questions {
		fmt.Fprintf(out, "\n%d/%d. %s\n", i+1, len(questions), q.Question)
		for j, opt := range q.Options {
			fmt.Fprintf(out, "  %d) %s\n", j+1, opt)
		}
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			line := prompt(out, reader, "Your answer: ")
			n, err := strconv.Atoi(line)
			if err == nil && n >= 1 && n <= len(q.Options) {
				answers[q.ID] = q.Options[n-1]
				break
			}
			if line == "" {
				if _, err := reader.Peek(1); err == io.EOF {
					return io.ErrUnexpectedEOF
				}
			}
			fmt.Fprintf(out, "Enter a number between 1 and %d\n", len(q.Options))
		}
	}

	result, after, err := hub.Submit(ctx, answers)
	if err != nil {
		return err
	}
	if result.Passed {
		fmt.Fprintf(out, "\n🎉 Passed with %.0f%%\n", result.Score)
	} else {
		fmt.Fprintf(out, "\nScore %.0f%%, not enough to qualify\n", result.Score)
	}
	if after != nil {
		fmt.Fprintln(out, after.Guidance)
	}
	return nil
}

func eligibilityCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "eligibility",
		Short: "Show per-category service eligibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := eligibility.ParseFilter(filter)
			if err != nil {
				return err
			}
			return withApp(false, func(ctx context.Context, a *app.App) error {
				id, err := a.RequireCaregiver()
				if err != nil {
					return err
				}
				view, err := a.Eligibility().Load(ctx, id)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Eligible for %d of %d categories\n\n", view.EligibleCount(), len(view.Records))
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CATEGORY\tELIGIBLE\tASSESSMENT\tCERTIFICATES\tMISSING")
				for _, r := range view.Filter(f) {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.ServiceCategory,
						yesNo(r.IsEligible),
						assessmentLabel(r),
						yesNo(r.CertificatesVerified),
						strings.Join(r.MissingCertificates, ", "))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				for _, warning := range view.Warnings {
					fmt.Fprintf(out, "⚠️  %s\n", warning)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "all, eligible or pending")
	return cmd
}

func assessmentLabel(r models.EligibilityRecord) string {
	switch {
	case r.AssessmentExpired:
		return "expired"
	case r.AssessmentPassed:
		return "passed"
	case r.CooldownUntil != nil && r.CooldownUntil.After(time.Now()):
		return "retry " + r.CooldownUntil.Local().Format(time.DateOnly)
	}
	return "not taken"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func certificatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certificates",
		Short: "List uploaded certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				id, err := a.RequireCaregiver()
				if err != nil {
					return err
				}
				certs, err := a.Certificates().List(ctx, id)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tCATEGORY\tVERIFIED\tEXPIRES")
				for _, c := range certs {
					expires := "-"
					if c.ExpiryDate != nil {
						expires = c.ExpiryDate.Format(time.DateOnly)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.CertificateType, c.CertificateCategory, yesNo(c.IsVerified), expires)
				}
				return w.Flush()
			})
		},
	}

	var req certificates.Request
	var expires, category string
	upload := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a certificate (PDF, JPEG or PNG)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Path = args[0]
			req.Category = category
			if expires != "" {
				t, err := time.Parse(time.DateOnly, expires)
				if err != nil {
					return fmt.Errorf("--expires: %w", err)
				}
				req.ExpiryDate = &t
			}
			return withApp(false, func(ctx context.Context, a *app.App) error {
				id, err := a.RequireCaregiver()
				if err != nil {
					return err
				}
				req.CaregiverID = id
				cert, err := a.Certificates().Upload(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Uploaded %s, it will be verified shortly\n", cert.CertificateType)

				// требования по категориям после загрузки
				view, err := a.Eligibility().Load(ctx, id)
				if err != nil {
					return nil
				}
				view.MarkCertificateUploaded(category, cert.CertificateType)
				for _, r := range view.Filter(eligibility.FilterPending) {
					if len(r.MissingCertificates) > 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "%s still needs: %s\n", r.ServiceCategory, strings.Join(r.MissingCertificates, ", "))
					}
				}
				return nil
			})
		},
	}
	upload.Flags().StringVar(&req.Name, "name", "", "Certificate name")
	upload.Flags().StringVar(&req.Type, "type", "", "Certificate type, e.g. CPR")
	upload.Flags().StringVar(&category, "category", "", "Service category the certificate is for")
	upload.Flags().StringVar(&req.Issuer, "issuer", "", "Issuing organization")
	upload.Flags().IntVar(&req.YearObtained, "year", time.Now().Year(), "Year obtained")
	upload.Flags().StringVar(&expires, "expires", "", "Expiry date (YYYY-MM-DD)")
	cmd.AddCommand(upload)
	return cmd
}

func addressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Address autocomplete and validation",
	}

	suggest := &cobra.Command{
		Use:   "suggest TEXT",
		Short: "Show address suggestions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				hook := a.AddressHook()
				defer hook.Close()

				hook.HandleAddressChange(strings.Join(args, " "))
				state, err := waitSuggestions(ctx, hook)
				if err != nil {
					return err
				}
				if state.Error != "" {
					return errors.New(state.Error)
				}
				if len(state.Suggestions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No suggestions")
					return nil
				}
				for i, s := range state.Suggestions {
					fmt.Fprintf(cmd.OutOrStdout(), "%d) %s\n", i+1, s.Description)
				}
				return nil
			})
		},
	}

	validate := &cobra.Command{
		Use:   "validate ADDRESS",
		Short: "Validate an address",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				hook := a.AddressHook()
				defer hook.Close()
				res := hook.Validate(ctx, strings.Join(args, " "))
				printValidation(cmd.OutOrStdout(), res)
				if !res.IsValid {
					return errors.New("address is not valid")
				}
				return nil
			})
		},
	}

	cmd.AddCommand(suggest, validate)
	return cmd
}

// waitSuggestions ждёт, пока хук закончит загрузку подсказок
func waitSuggestions(ctx context.Context, hook *address.Hook) (address.State, error) {
	state := hook.State()
	for state.Loading {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case state = <-hook.Updates():
		}
	}
	return state, nil
}

func printValidation(out io.Writer, res address.Result) {
	if res.IsValid {
		fmt.Fprintf(out, "✅ %s\n", res.FormattedAddress)
	} else {
		fmt.Fprintln(out, "❌ Invalid address")
	}
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	if res.Source == address.SourceLocal {
		fmt.Fprintln(out, "  (checked locally, address service unavailable)")
	}
}

func notificationsCmd() *cobra.Command {
	var unreadOnly bool
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				if !a.Auth.IsAuthenticated() {
					return auth.ErrNotAuthenticated
				}
				p := a.Notifications()
				if err := p.Refresh(ctx); err != nil {
					return err
				}
				snap := p.Snapshot()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d unread\n\n", snap.UnreadCount)
				for _, n := range snap.Notifications {
					if unreadOnly && n.IsRead {
						continue
					}
					printNotification(out, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only unread notifications")

	read := &cobra.Command{
		Use:   "read [ID]",
		Short: "Mark a notification as read, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if !all && len(args) == 0 {
				return errors.New("pass a notification id or --all")
			}
			return withApp(false, func(ctx context.Context, a *app.App) error {
				p := a.Notifications()
				if all {
					return p.MarkAllAsRead(ctx)
				}
				return p.MarkAsRead(ctx, args[0])
			})
		},
	}
	read.Flags().Bool("all", false, "Mark all notifications as read")

	listen := &cobra.Command{
		Use:   "listen",
		Short: "Follow new notifications until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app.App) error {
				if !a.Auth.IsAuthenticated() {
					return auth.ErrNotAuthenticated
				}
				p := a.Notifications()
				out := cmd.OutOrStdout()

				done := make(chan error, 1)
				go func() { done <- p.Run(ctx) }()

				fmt.Fprintln(out, "⏳ Waiting for notifications, Ctrl+C to stop")
				lastMode := p.Snapshot().Mode
				for {
					select {
					case err := <-done:
						return err
					case n := <-p.Incoming():
						printNotification(out, n)
					case snap := <-p.Updates():
						if snap.Mode != lastMode {
							lastMode = snap.Mode
							fmt.Fprintf(out, "[%s] %d unread\n", snap.Mode, snap.UnreadCount)
						}
					}
				}
			})
		},
	}

	cmd.AddCommand(read, listen)
	return cmd
}

func printNotification(out io.Writer, n models.Notification) {
	marker := " "
	if !n.IsRead {
		marker = "•"
	}
	fmt.Fprintf(out, "%s %s  %s\n", marker, n.CreatedAt.Local().Format("Jan 02 15:04"), n.Title)
	if n.Message != "" {
		fmt.Fprintf(out, "    %s\n", n.Message)
	}
	fmt.Fprintf(out, "    id: %s\n", n.ID)
}

func prompt(out io.Writer, in *bufio.Reader, label string) string {
	fmt.Fprint(out, label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

// promptPassword в терминале читает без эха, иначе как обычную строку
func promptPassword(out io.Writer, src io.Reader, in *bufio.Reader, label string) string {
	f, ok := src.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return prompt(out, in, label)
	}
	fmt.Fprint(out, label)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(secret))
}
