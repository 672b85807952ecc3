package main

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cikgu/cikgu/internal/assessment"
	"github.com/cikgu/cikgu/internal/catalog"
	"github.com/cikgu/cikgu/internal/grading"
	"github.com/cikgu/cikgu/internal/handler"
	"github.com/cikgu/cikgu/internal/i18n"
	"github.com/cikgu/cikgu/internal/identity"
	"github.com/cikgu/cikgu/internal/metrics"
	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/notify"
	"github.com/cikgu/cikgu/internal/store"
	"github.com/cikgu/cikgu/internal/upload"
)

const sessionCleanupInterval = time.Hour

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-url", "http://localhost:8080", "Externally visible origin, used for the OAuth callback")
	f.String("upload-dir", "uploads", "Directory for uploaded files")
	f.String("google-client-id", "", "Google OAuth client ID (empty disables Google sign-in)")
	f.String("google-client-secret", "", "Google OAuth client secret")
	f.String("session-secret", "", "Secret for signing OAuth state (random when empty)")
	f.String("vapid-public-key", "", "VAPID public key for push notifications")
	f.String("vapid-private-key", "", "VAPID private key for push notifications")
	f.String("vapid-subject", "", "VAPID contact (mailto: or https: URL)")
	f.StringP("lang", "l", "ms", "Default UI language (ms, en)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.String("admin-email", "admin@cikgu.local", "Email of the seeded local admin")
	f.String("admin-password", "", "Initial admin password (or set CIKGU_ADMIN_PASSWORD)")
	f.Bool("auto-complete", false, "Complete attempts as soon as every answer is graded")
	f.Bool("seed", true, "Import the built-in sample catalog on startup")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import the built-in sample catalog and create the admin account",
		RunE:  runSeed,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("admin-email", "admin@cikgu.local", "Email of the seeded local admin")
	f.String("admin-password", "", "Initial admin password (or set CIKGU_ADMIN_PASSWORD)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import catalog JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade pending subjective answers with the LLM",
		RunE:  runGrade,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt results",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("subject", "", "Only export attempts of this subject code")
	f.String("format", "json", "Output format (json, csv)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func remindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Send a study reminder push notification to students",
		RunE:  runRemind,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("vapid-public-key", "", "VAPID public key for push notifications")
	f.String("vapid-private-key", "", "VAPID private key for push notifications")
	f.String("vapid-subject", "", "VAPID contact (mailto: or https: URL)")
	f.String("subject", "", "Subject to remind about (required)")
	f.String("message", "", "Reminder text (defaults to a generic reminder)")
	f.String("user", "", "Only remind the user with this email")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func vapidKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for push notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, pub, err := notify.GenerateVAPIDKeys()
			if err != nil {
				return fmt.Errorf("generate VAPID keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CIKGU_VAPID_PUBLIC_KEY=%s\nCIKGU_VAPID_PRIVATE_KEY=%s\n", pub, priv)
			return nil
		},
	}
}

// newGrader returns nil when no LLM endpoint is configured. The result is
// typed as the interface so callers never see a nil *LLMGrader.
func newGrader(v *viper.Viper) (grading.Grader, error) {
	url := v.GetString("llm-url")
	if url == "" {
		return nil, nil
	}
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	g, err := grading.NewLLMGrader(url, v.GetString("llm-key"), v.GetString("llm-model"), variant)
	if err != nil {
		return nil, fmt.Errorf("create LLM grader: %w", err)
	}
	return g, nil
}

func sessionSecret(v *viper.Viper) []byte {
	if s := v.GetString("session-secret"); s != "" {
		return []byte(s)
	}
	slog.Warn("no session secret configured; Google sign-ins in flight will fail after a restart")
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(cmd, db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if v.GetBool("seed") {
		st, err := catalog.Seed(cmd.Context(), db)
		if err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		if !st.Skipped {
			slog.Info("imported sample catalog", "subjects", st.Subjects, "assessments", st.Assessments, "questions", st.Questions)
		}
	}

	lang := v.GetString("lang")
	if err := i18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	m := metrics.New()
	notifier := notify.New(db, notify.Config{
		PublicKey:  v.GetString("vapid-public-key"),
		PrivateKey: v.GetString("vapid-private-key"),
		Subject:    v.GetString("vapid-subject"),
	}, m)
	if !notifier.Enabled() {
		slog.Info("push notifications disabled; run `cikgu vapid-keys` to create keys")
	}

	engine := assessment.New(db, assessment.Options{
		AutoComplete: v.GetBool("auto-complete"),
		OnCompleted:  onCompleted(db, notifier, m),
	})

	fs, err := upload.DirFs(v.GetString("upload-dir"))
	if err != nil {
		return fmt.Errorf("upload dir: %w", err)
	}

	grader, err := newGrader(v)
	if err != nil {
		return err
	}

	baseURL := strings.TrimRight(v.GetString("base-url"), "/")
	h, err := handler.New(handler.Deps{
		Store:  db,
		Engine: engine,
		Identity: identity.NewProvider(identity.Config{
			ClientID:     v.GetString("google-client-id"),
			ClientSecret: v.GetString("google-client-secret"),
			RedirectURL:  baseURL + "/callback",
		}),
		States:  identity.NewStateSigner(sessionSecret(v)),
		Notify:  notifier,
		Uploads: upload.New(fs, db),
		Grader:  grader,
		Metrics: m,
	}, handler.Config{SecureCookies: v.GetBool("secure-cookies")})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go cleanupSessions(ctx, db)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"base_url", baseURL,
		"lang", lang,
		"languages", i18n.Languages(),
		"google_login", v.GetString("google-client-id") != "",
		"push", notifier.Enabled(),
		"auto_grade", grader != nil,
		"auto_complete", v.GetBool("auto-complete"),
	)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// onCompleted records metrics for a completed attempt and tells the student
// it has been graded.
func onCompleted(db *store.Store, notifier *notify.Service, m *metrics.Metrics) func(context.Context, model.Attempt) {
	return func(ctx context.Context, a model.Attempt) {
		m.AttemptsCompleted.Inc()
		m.AttemptScore.Observe(a.Percentage)
		if !notifier.Enabled() {
			return
		}
		as, err := db.GetAssessment(ctx, a.AssessmentID)
		if err != nil {
			slog.Warn("graded notice: get assessment", "attempt", a.ID, "error", err)
			return
		}
		if _, err := notifier.SendGradedNotice(ctx, a, as.Title); err != nil {
			slog.Warn("graded notice failed", "attempt", a.ID, "user", a.UserID, "error", err)
		}
	}
}

func cleanupSessions(ctx context.Context, db *store.Store) {
	t := time.NewTicker(sessionCleanupInterval)
	defer t.Stop()
	for {
		n, err := db.PurgeLoginSessions(ctx, time.Now())
		switch {
		case err != nil && ctx.Err() == nil:
			slog.Warn("failed to purge lapsed logins", "error", err)
		case n > 0:
			slog.Debug("purged lapsed logins", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func runSeed(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := catalog.Seed(cmd.Context(), db)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if st.Skipped {
		slog.Info("sample catalog already imported")
	} else {
		slog.Info("imported sample catalog",
			"subjects", st.Subjects, "chapters", st.Chapters, "sections", st.Sections,
			"assessments", st.Assessments, "questions", st.Questions)
	}
	return seedAdmin(cmd, db, v.GetString("admin-email"), v.GetString("admin-password"))
}

func runImport(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	return catalog.ImportFiles(cmd.Context(), db, args)
}

func runGrade(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	grader, err := newGrader(v)
	if err != nil {
		return err
	}
	if grader == nil {
		return errors.New("--llm-url is required for grading")
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := assessment.New(db, assessment.Options{})
	sum, err := grading.AutoGrade(cmd.Context(), engine, grader)
	if err != nil {
		return fmt.Errorf("auto-grade: %w", err)
	}
	slog.Info("grading finished", "graded", sum.Graded, "failed", sum.Failed, "completed", sum.Completed)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	format := strings.ToLower(v.GetString("format"))
	if format != "json" && format != "csv" {
		return fmt.Errorf("unknown format %q (want json or csv)", format)
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	subject := v.GetString("subject")
	results, err := db.ExportAttempts(cmd.Context(), subject)
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if out := v.GetString("output"); out != "" && out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if format == "csv" {
		return writeCSV(w, results)
	}
	data, err := json.MarshalIndent(model.AttemptExport{
		ExportedAt: time.Now().UTC(),
		Subject:    subject,
		Results:    results,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

// writeCSV writes one row per attempt; per-question detail is JSON only.
func writeCSV(w io.Writer, results []model.StudentResult) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"attempt_id", "email", "name", "assessment", "attempt_number",
		"status", "started_at", "score", "total_marks", "percentage", "time_taken"})
	for _, r := range results {
		_ = cw.Write([]string{
			strconv.FormatInt(r.AttemptID, 10),
			r.Email,
			r.Name,
			r.Assessment,
			strconv.Itoa(r.AttemptNumber),
			string(r.Status),
			r.StartedAt.Format(time.RFC3339),
			strconv.FormatFloat(r.Score, 'f', -1, 64),
			strconv.Itoa(r.TotalMarks),
			strconv.FormatFloat(r.Percentage, 'f', 2, 64),
			strconv.Itoa(r.TimeTaken),
		})
	}
	cw.Flush()
	return cw.Error()
}

func runRemind(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	notifier := notify.New(db, notify.Config{
		PublicKey:  v.GetString("vapid-public-key"),
		PrivateKey: v.GetString("vapid-private-key"),
		Subject:    v.GetString("vapid-subject"),
	}, nil)
	if !notifier.Enabled() {
		return errors.New("VAPID keys are required; run `cikgu vapid-keys`")
	}

	ctx := cmd.Context()
	users, err := db.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	subject, message := v.GetString("subject"), v.GetString("message")
	if message == "" {
		message = fmt.Sprintf("Time to revise %s. A short session today keeps you on track.", subject)
	}
	only := strings.ToLower(strings.TrimSpace(v.GetString("user")))
	var sent, skipped int
	for _, u := range users {
		if !u.Active || (only != "" && strings.ToLower(u.Email) != only) ||
			(only == "" && u.Role != model.UserRoleStudent) {
			continue
		}
		ok, err := notifier.SendStudyReminder(ctx, u.ID, subject, message)
		if err != nil {
			slog.Warn("reminder failed", "user", u.ID, "error", err)
		}
		if ok {
			sent++
		} else {
			skipped++
		}
	}
	slog.Info("reminders sent", "subject", subject, "sent", sent, "not_delivered", skipped)
	return nil
}
