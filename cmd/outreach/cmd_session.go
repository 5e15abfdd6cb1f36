package main

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/outreach/internal/auth"
	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/server"
)

var (
	captureUser     string
	captureWait     time.Duration
	captureHeadless bool

	enqueueUser    string
	enqueueType    string
	enqueueTarget  string
	enqueueMessage string
	enqueueNote    string
)

var captureCmd = &cobra.Command{
	Use:   "capture-session",
	Short: "Sign in once and store the session cookies used by the replay",
	Long: `Opens a browser window on the site. With LINKEDIN_EMAIL and LINKEDIN_PASSWORD
set the login form is filled in; otherwise sign in by hand within --wait.`,
	RunE: runCapture,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a pending action for the next replay pass",
	RunE:  runEnqueue,
}

func init() {
	captureCmd.Flags().StringVar(&captureUser, "user", "", "user id to store the session under")
	captureCmd.Flags().DurationVar(&captureWait, "wait", 5*time.Minute, "how long to wait for sign-in")
	captureCmd.Flags().BoolVar(&captureHeadless, "headless", false, "run without a window (credentials required)")
	_ = captureCmd.MarkFlagRequired("user")

	enqueueCmd.Flags().StringVar(&enqueueUser, "user", "", "user id that owns the action")
	enqueueCmd.Flags().StringVar(&enqueueType, "type", string(models.KindConnect), "connect or sendMessage")
	enqueueCmd.Flags().StringVar(&enqueueTarget, "target", "", "profile URL")
	enqueueCmd.Flags().StringVar(&enqueueMessage, "message", "", "message text (sendMessage)")
	enqueueCmd.Flags().StringVar(&enqueueNote, "note", "", "invitation note (connect, max 300 chars)")
	_ = enqueueCmd.MarkFlagRequired("user")
	_ = enqueueCmd.MarkFlagRequired("target")
}

func runCapture(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd.Context(), os.Stdout)
	if err != nil {
		return err
	}
	defer rt.Close()

	creds := auth.CredentialsFromEnv()
	if captureHeadless && creds.Empty() {
		return errors.New("--headless needs LINKEDIN_EMAIL and LINKEDIN_PASSWORD")
	}
	if err := rt.st.UpsertUser(cmd.Context(), captureUser); err != nil {
		return err
	}

	br, err := browser.Launch(cmd.Context(), rt.cfg, captureHeadless, rt.log)
	if err != nil {
		return err
	}
	defer br.Close()
	page, err := br.NewSession(cmd.Context())
	if err != nil {
		return err
	}
	defer page.Close()

	c := auth.New(rt.strategy(), rt.st, auth.Options{LoginWait: captureWait}, rt.log)
	sa, err := c.Capture(cmd.Context(), page, captureUser, creds)
	if err != nil {
		return err
	}
	rt.log.Info("session saved", "uid", captureUser, "usable_cookies", len(sa.UsableCookies()))
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd.Context(), os.Stdout)
	if err != nil {
		return err
	}
	defer rt.Close()

	kind := models.ActionKind(enqueueType)
	payload := models.Payload{TargetURL: enqueueTarget, Message: enqueueMessage, Note: enqueueNote}
	if err := server.ValidateAction(kind, payload); err != nil {
		return err
	}
	if err := rt.st.UpsertUser(cmd.Context(), enqueueUser); err != nil {
		return err
	}
	a := &models.Action{
		ID:        uuid.NewString(),
		UserID:    enqueueUser,
		Platform:  models.PlatformLinkedIn,
		Kind:      kind,
		Payload:   payload,
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := rt.st.InsertAction(cmd.Context(), a); err != nil {
		return err
	}
	rt.log.Info("action queued", "uid", a.UserID, "action_id", a.ID, "kind", a.Kind)
	return nil
}
