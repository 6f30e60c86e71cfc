package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/codefionn/winichat/internal/chats"
	"github.com/codefionn/winichat/internal/config"
	"github.com/codefionn/winichat/internal/conversation"
	"github.com/codefionn/winichat/internal/localstore"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/securemem"
	"github.com/codefionn/winichat/internal/session"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const maxPasswordAttempts = 3

var errQuit = errors.New("quit requested")

// stdin is shared by the prompts and the chat input so no buffered line is lost.
var stdin = bufio.NewReader(os.Stdin)

type options struct {
	configPath string
	envFile    string
	username   string
	chatID     int64
	groupID    int64
	logout     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.LoadEnv(opts.envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", opts.envFile, err)
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	securemem.Init()
	defer securemem.Purge()

	logger.Info("winichat starting")
	logger.Debug("Configuration loaded: api_url=%s, ws_url=%s, store=%s", cfg.APIURL, cfg.WSURL, cfg.Store)

	store, err := localstore.Open(cfg.Store, cfg.StorePath, cfg.StorePassphrase())
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}

	sess := session.New(cfg, store)
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			logger.Warn("Failed to close session cleanly: %v", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.logout {
		sess.Logout()
		fmt.Fprintln(os.Stderr, "Logged out.")
		return nil
	}

	if err := authenticate(ctx, sess, opts.username); err != nil {
		return err
	}

	if opts.chatID == 0 && opts.groupID == 0 {
		user := sess.User()
		fmt.Fprintf(os.Stderr, "Logged in as %s (id %d). Pass -chat or -group to open a conversation.\n",
			user.String("username"), user.ID())
		return nil
	}

	sock, err := sess.ConnectServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.WSURL, err)
	}

	chat := chatFor(cfg, opts)
	chat = sess.Chats().AddCurrent(chat)

	selfID := sess.User().ID()
	conv, err := conversation.New(ctx, chat, conversation.Deps{
		API:     sess.API(),
		Flashes: sess.Flashes(),
		Actors:  sess.Actors(),
		SelfID:  selfID,
		Limit:   cfg.PageLimit,
		Prefix:  cfg.APIPrefix,
		Log:     logger.Global(),
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", chat.Key(), err)
	}
	defer func() {
		if closeErr := conv.Close(context.Background()); closeErr != nil {
			logger.Warn("Failed to close conversation: %v", closeErr)
		}
	}()

	width := 0
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width = w
	}
	out := newPrinter(os.Stdout, selfID, width)
	flashSub := sess.Flashes().Subscribe(out.Flashes)
	defer sess.Flashes().Unsubscribe(flashSub)

	if err := conv.Open(ctx); err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	out.Timeline(conv.Snapshot())

	changeSub := conv.Subscribe(out.Change)
	defer conv.Unsubscribe(changeSub)
	conv.Attach(sock)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.FollowStore(gctx)
	})
	g.Go(func() error {
		select {
		case <-sock.Done():
			return errors.New("connection to server closed")
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return readInput(gctx, stdin, conv, out)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("winichat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the configuration file")
	fs.StringVar(&opts.envFile, "env", ".env", "Environment file with WINICHAT_* overrides")
	fs.StringVar(&opts.username, "user", "", "Username for login (prompted when needed)")
	fs.Int64Var(&opts.chatID, "chat", 0, "Open the direct chat with this id")
	fs.Int64Var(&opts.groupID, "group", 0, "Open the group with this id")
	fs.BoolVar(&opts.logout, "logout", false, "Forget the stored session and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Commands while chatting: /older, /newer, /edit <id> <text>, /delete <id>, /quit")
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.chatID != 0 && opts.groupID != 0 {
		return nil, errors.New("-chat and -group are mutually exclusive")
	}
	return opts, nil
}

func chatFor(cfg *config.Config, opts *options) *chats.Chat {
	base := strings.TrimSuffix(cfg.APIURL, "/")
	if opts.groupID != 0 {
		return chats.New(chats.KindGroup, opts.groupID, "", fmt.Sprintf("%s/groups/%d/", base, opts.groupID))
	}
	return chats.New(chats.KindChat, opts.chatID, "", fmt.Sprintf("%s/chats/%d/", base, opts.chatID))
}

// authenticate restores the stored session or logs in interactively.
func authenticate(ctx context.Context, sess *session.Session, username string) error {
	err := sess.LoadSession(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrNotAuthenticated) {
		logger.Warn("Stored session rejected: %v", err)
	}

	if username == "" {
		username, err = promptLine("Username: ")
		if err != nil {
			return err
		}
	}

	for attempt := 0; attempt < maxPasswordAttempts; attempt++ {
		password, err := promptForPassword("Password: ")
		if err != nil {
			return err
		}
		err = sess.Login(ctx, session.Credentials{Username: username, Password: password.Reveal()})
		password.Destroy()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
	}
	return errors.New("too many failed login attempts")
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptForPassword(prompt string) (*securemem.Secret, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return securemem.FromBytes(raw), nil
	}

	line, err := promptLine("")
	if err != nil {
		return nil, err
	}
	return securemem.New(line), nil
}

// readInput sends every line typed on r until EOF, /quit or ctx is done.
func readInput(ctx context.Context, r io.Reader, conv *conversation.Conversation, out *printer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return err
			}
			return errQuit
		case line := <-lines:
			if err := handleLine(ctx, strings.TrimSpace(line), conv, out); err != nil {
				return err
			}
		}
	}
}

func handleLine(ctx context.Context, line string, conv *conversation.Conversation, out *printer) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := conv.Send(ctx, line, nil)
		if err != nil {
			logger.Warn("Send failed: %v", err)
		}
		return nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return errQuit
	case "/older":
		if ok, err := conv.LoadOlder(ctx); err != nil || !ok {
			logger.Debug("Load older: loaded=%v err=%v", ok, err)
			return nil
		}
		out.Timeline(conv.Snapshot())
	case "/newer":
		if ok, err := conv.LoadNewer(ctx); err != nil || !ok {
			logger.Debug("Load newer: loaded=%v err=%v", ok, err)
			return nil
		}
		out.Timeline(conv.Snapshot())
	case "/edit":
		idText, content, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: /edit <id> <text>")
			return nil
		}
		if err := conv.Edit(ctx, id, content); err != nil {
			logger.Warn("Edit %d failed: %v", id, err)
		}
	case "/delete":
		id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: /delete <id>")
			return nil
		}
		if err := conv.Delete(ctx, id); err != nil {
			logger.Warn("Delete %d failed: %v", id, err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
	}
	return nil
}
