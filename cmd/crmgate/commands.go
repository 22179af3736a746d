package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/crmgate/internal/api"
	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/backend"
	"github.com/kalambet/crmgate/internal/chat"
	"github.com/kalambet/crmgate/internal/config"
	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/gateway"
	"github.com/kalambet/crmgate/internal/sqlguard"
	"github.com/kalambet/crmgate/internal/storage"
	"github.com/kalambet/crmgate/internal/tools"
)

// --- login / logout ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the CRM backend",
	Long: `Sign in with email and password. The session is kept in the local
secrets file and refreshed automatically.

Examples:
  crmgate login --email ana@example.com
  crmgate login --email ana@example.com --password "$CRM_PASSWORD"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		in := bufio.NewReader(cmd.InOrStdin())
		if email == "" {
			email = prompt(in, cmd.ErrOrStderr(), "Email: ")
		}
		if password == "" {
			password = prompt(in, cmd.ErrOrStderr(), "Password: ")
		}
		if email == "" || password == "" {
			return errors.New("email and password are required")
		}

		s, err := newSignedIn()
		if err != nil {
			return err
		}
		sess, err := s.backend.SignInWithPassword(cmd.Context(), email, password)
		if err != nil {
			printError("sign-in failed")
			return err
		}
		if sess.Email == "" {
			sess.Email = email
		}
		if err := s.sessions.Save(sess); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}

		printSuccess("Signed in as %s", sess.Email)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (prompted when omitted)")
}

// prompt reads one trimmed line from in. A read error yields "".
func prompt(in *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the local session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.NewSessionFile().Clear(); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		printSuccess("Signed out")
		return nil
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the CRM in natural language",
	Long: `Start an interactive chat. Each line is sent as a message; the
assistant answers and runs the statement it proposes when it passes
validation.

Commands inside the chat:
  /new   start a new conversation
  /quit  leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSignedIn()
		if err != nil {
			return err
		}
		if _, err := s.sessions.Load(); err != nil {
			printError("not signed in, run crmgate login")
			return err
		}

		client := chat.NewClient(s.cfg.Server.URL, s.guardian)
		sess := chat.NewSession(client, client, chat.GuardedTokens{Guardian: s.guardian, Store: s.sessions})
		return runChat(cmd.Context(), sess, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// runChat reads one message per line until EOF or /quit.
func runChat(ctx context.Context, sess *chat.Session, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, colorize(colorBold, "crmgate chat")+" (/new starts a conversation, /quit exits)")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorCyan, "> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sess.Reset()
			printStep("New conversation")
			continue
		}

		tp := &typingPrinter{w: out}
		sess.OnTyping = tp.update
		o := sess.Send(ctx, line)
		tp.finish(o.Reply)
		printOutcome(out, o)

		if o.SessionCleared {
			return errors.New("session expired, run crmgate login")
		}
	}
}

// typingPrinter writes a growing reply incrementally. Updates that do not
// extend what is already on screen are dropped.
type typingPrinter struct {
	w       io.Writer
	printed string
}

func (p *typingPrinter) update(text string) {
	if !strings.HasPrefix(text, p.printed) {
		return
	}
	fmt.Fprint(p.w, text[len(p.printed):])
	p.printed = text
}

func (p *typingPrinter) finish(reply string) {
	if strings.HasPrefix(reply, p.printed) {
		fmt.Fprint(p.w, reply[len(p.printed):])
		p.printed = reply
	}
	if p.printed != "" {
		fmt.Fprintln(p.w)
	}
}

func printOutcome(out io.Writer, o chat.Outcome) {
	if o.Result != nil && len(o.Result.Rows) > 0 {
		printRows(out, o.Result.Rows)
	}
	switch o.NoticeKind {
	case chat.NoticeSuccess:
		printSuccess("%s", o.Notice)
	case chat.NoticeError:
		printError("%s", o.Notice)
	}
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the tool-calling assistant one question",
	Long: `Ask the assistant a single question. It may look up or record CRM
data through its tools before answering.

Examples:
  crmgate ask "quantos leads entraram esta semana?"
  crmgate ask --deep "resuma os negocios em aberto por parceiro"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deep, _ := cmd.Flags().GetBool("deep")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/assistant", map[string]any{
			"message":     strings.Join(args, " "),
			"deep_search": deep,
		})
		if err != nil {
			return cliError(err)
		}

		var answer struct {
			Response string `json:"response"`
		}
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer.Response)
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("deep", false, "ask for a more thorough answer")
}

// --- exec ---

var execCmd = &cobra.Command{
	Use:   "exec <statement>",
	Short: "Run one statement through the gateway",
	Long: `Validate a statement and run it on the CRM database with your
session. Statements are checked the same way as in chat.

Examples:
  crmgate exec "SELECT name, status FROM leads ORDER BY created_at DESC LIMIT 5"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		statement := strings.Join(args, " ")
		if _, err := (sqlguard.Rules{}).Classify(statement); err != nil {
			printError("%s", errcode.Message(string(errcode.Of(err))))
			return err
		}

		s, err := newSignedIn()
		if err != nil {
			return err
		}
		res := chat.NewClient(s.cfg.Server.URL, s.guardian).Execute(cmd.Context(), "", statement)
		return printExec(cmd.OutOrStdout(), res)
	},
}

func printExec(out io.Writer, res chat.ExecResponse) error {
	if !res.Success {
		printError("%s", errcode.Message(res.Code))
		return errcode.New(errcode.Code(res.Code))
	}
	if len(res.Data.Rows) > 0 {
		printRows(out, res.Data.Rows)
	}
	printSuccess("%s: %d row(s)", res.Data.Operation, res.RowCount)
	return nil
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Browse saved conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := newSignedIn()
		if err != nil {
			return err
		}
		convs, err := chat.NewClient(s.cfg.Server.URL, s.guardian).ListConversations(cmd.Context(), limit)
		if err != nil {
			return cliError(err)
		}
		printConversations(cmd.OutOrStdout(), convs)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSignedIn()
		if err != nil {
			return err
		}
		msgs, err := chat.NewClient(s.cfg.Server.URL, s.guardian).ListMessages(cmd.Context(), args[0])
		if err != nil {
			return cliError(err)
		}
		printMessages(cmd.OutOrStdout(), msgs)
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().Int("limit", 20, "maximum number of conversations")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}

func printConversations(out io.Writer, convs []storage.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return
	}
	for _, c := range convs {
		fmt.Fprintf(out, "%s  %s  %s\n",
			colorize(colorBold, c.ID),
			c.UpdatedAt.Local().Format("2006-01-02 15:04"),
			c.Title,
		)
	}
}

func printMessages(out io.Writer, msgs []storage.Message) {
	for _, m := range msgs {
		label := colorize(colorCyan, m.Role+":")
		fmt.Fprintf(out, "%s %s\n", label, m.Content)
	}
}

// cliError turns coded failures into their user-facing text.
func cliError(err error) error {
	code := errcode.Of(err)
	if code == "" {
		return err
	}
	if errcode.IsAuth(string(code)) {
		printError("%s Run crmgate login.", errcode.Message(string(code)))
	}
	return err
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the CRM tools over MCP (stdio)",
	Long: `Run an MCP server on stdin/stdout for the signed-in user. Tools
query and record CRM data within the user's organization.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

// sessionRunner resolves the stored session for every statement so a
// long-lived MCP process survives token expiry.
type sessionRunner struct {
	gateway  *gateway.Gateway
	guardian *auth.Guardian
}

func (r sessionRunner) Run(ctx context.Context, stmt sqlguard.Statement, _ string) (gateway.Result, error) {
	token, err := r.guardian.Resolve(ctx)
	if err != nil {
		return gateway.Result{}, err
	}
	return r.gateway.Run(ctx, stmt, token)
}

func runMCP(parent context.Context) error {
	s, err := newSignedIn()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := s.guardian.Resolve(ctx)
	if err != nil {
		printError("not signed in, run crmgate login")
		return err
	}
	user, err := s.backend.GetUser(ctx, token)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	tenantID, err := s.backend.TenantForUser(ctx, token, user.ID)
	if errors.Is(err, backend.ErrNoTenant) {
		return errcode.Wrap(errcode.ForbiddenOperation, err)
	}
	if err != nil {
		return fmt.Errorf("resolving organization: %w", err)
	}

	gw, meta, release, err := newGateway(ctx, s.cfg, s.backend, s.guardian, nil)
	if err != nil {
		return err
	}
	defer release()

	var store *storage.Store
	if st, err := storage.Open(s.cfg.Storage.DataDir); err != nil {
		slog.Warn("conversation store unavailable", "error", err)
	} else {
		store = st
		defer st.Close()
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Tools: tools.NewRegistry(sessionRunner{gateway: gw, guardian: s.guardian}, meta),
		Meta:  meta,
		Store: store,
		Scope: tools.Scope{TenantID: tenantID, UserID: user.ID},
	})
	slog.Info("MCP server started (stdio transport)", "user", user.Email, "tenant", tenantID)

	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
