package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pachat/internal/analytics"
	"pachat/internal/api"
	"pachat/internal/pipeline"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "pachat",
	Short: "Conversational analytics over your own computer usage",
	Long: `pachat answers natural-language questions about locally recorded usage data.

Questions are classified, turned into a read-only SQL query, and answered
from the query result. Generated queries wait for approval before they are
summarized unless auto-approve is set.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask <chat-id|new> <question>",
	Short: "Ask a question on a chat from the command line",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAsk,
}

var approveCmd = &cobra.Command{
	Use:   "approve <chat-id>",
	Short: "Approve or reject the pending query of a chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Maintain derived usage tables",
}

var sessionsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Reconstruct usage sessions and window activity durations",
	RunE:  runSessionsRebuild,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("PACHAT_CONFIG"), "path to config file")

	askCmd.Flags().Bool("auto-approve", false, "run the generated query without asking")
	askCmd.Flags().Int("top-k", 0, "row limit hint for generated queries")
	approveCmd.Flags().Bool("reject", false, "reject instead of approve")
	approveCmd.Flags().String("request-id", "", "approval request to decide")

	sessionsCmd.AddCommand(sessionsRebuildCmd)
	rootCmd.AddCommand(serveCmd, askCmd, approveCmd, sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger))
	api.NewHandler(a.orch, a.workers, a.bus, a.logger).RegisterRoutes(router)

	addr := a.cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8000"
	}
	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.close()

	var threadID int64
	if args[0] == "new" {
		thread, err := a.orch.CreateThread(ctx)
		if err != nil {
			return err
		}
		threadID = thread.ID
	} else if threadID, err = strconv.ParseInt(args[0], 10, 64); err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}
	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	topK, _ := cmd.Flags().GetInt("top-k")

	events := a.bus.Subscribe(threadID, 64)
	defer a.bus.Unsubscribe(threadID, events)
	go func() {
		for evt := range events {
			if evt.Node != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "... %s\n", evt.Node)
			}
		}
	}()

	var out *pipeline.Outcome
	err = a.workers.Do(ctx, threadID, func(ctx context.Context) error {
		var err error
		out, err = a.orch.Start(ctx, pipeline.StartRequest{
			ThreadID:    threadID,
			Question:    strings.Join(args[1:], " "),
			TopK:        topK,
			AutoApprove: autoApprove,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", pipeline.Classify(err), err)
	}
	printOutcome(cmd, out)
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	threadID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}
	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.close()

	reject, _ := cmd.Flags().GetBool("reject")
	requestID, _ := cmd.Flags().GetString("request-id")
	var out *pipeline.Outcome
	err = a.workers.Do(ctx, threadID, func(ctx context.Context) error {
		var err error
		out, err = a.orch.Resume(ctx, pipeline.ResumeRequest{ThreadID: threadID, RequestID: requestID, Approved: !reject})
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", pipeline.Classify(err), err)
	}
	if reject {
		fmt.Fprintln(cmd.OutOrStdout(), "query rejected")
		return nil
	}
	printOutcome(cmd, out)
	return nil
}

func runSessionsRebuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	res, err := rebuildSessions(cmd.Context(), cfg.Analytics.DatabasePath, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sessions inserted: %d, short sessions removed: %d, activity rows updated: %d\n",
		res.Inserted, res.Discarded, res.ActivityUpdated)
	return nil
}

func printOutcome(cmd *cobra.Command, out *pipeline.Outcome) {
	w := cmd.OutOrStdout()
	if out.Title != "" {
		fmt.Fprintf(w, "# %s (chat %d)\n\n", out.Title, out.ThreadID)
	}
	if out.Query != "" {
		fmt.Fprintf(w, "Query:\n%s\n\n", out.Query)
	}
	if out.ApprovalRequested {
		rows := 0
		var preview string
		if out.Result != nil {
			rows = out.Result.Len()
			preview = pipeline.RenderMarkdown(out.Result.ColumnOrder(), out.Result.Rows)
		}
		fmt.Fprintf(w, "%s\n\n%d rows. Approve with: pachat approve %d --request-id %s\n",
			preview, rows, out.ThreadID, out.RequestID)
		return
	}
	fmt.Fprintln(w, out.Answer)
}

func rebuildSessions(ctx context.Context, path string, logger *zap.Logger) (analytics.RebuildResult, error) {
	db, err := analytics.OpenWritable(path)
	if err != nil {
		return analytics.RebuildResult{}, err
	}
	defer db.Close()
	return analytics.NewReconstructor(db, logger).Run(ctx)
}
