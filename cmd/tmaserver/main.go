package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/adminset"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/api/github"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/catalog"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/cli"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/logger"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/request"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/syncx"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/telegram"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/tgauth"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/web"

	"github.com/joho/godotenv"
)

func main() { cli.Main(new(engine)) }

var errNoBotToken = errors.New("BOT_TOKEN is not set")

const (
	productsFile   = "products.json"
	uploadsDirName = "uploads"
	initDataMaxAge = 24 * time.Hour
)

type engine struct {
	init syncx.Lazy[error] // main initialization

	// initialized by doInit
	tg         *telegram.Client
	svc        *catalog.Service
	verifier   *tgauth.Verifier
	route      *syncx.Protected[postRoute]
	mux        *http.ServeMux
	logf       logger.Logf
	scrubber   *strings.Replacer
	uploadsDir string

	// configuration, read-only after initialization
	addr            string
	botToken        string
	webhookSecret   string
	appURL          string
	frontendURL     string
	postButtonText  string
	postButtonURL   string
	channelID       string
	channelThreadID int64
	admins          *adminset.Set
	adminThreadID   int64
	dataDir         string
	unsafeAdmin     bool
	ghToken         string
	ghRepo          string
	ghPath          string
	ghBranch        string
	ghCommitMessage string
	httpc           *http.Client
	me              telegram.User
	stderr          io.Writer

	// for tests
	noServerStart bool
	ready         func() // see web.ListenAndServeConfig.Ready
}

func (e *engine) Flags(fs *flag.FlagSet) {
	fs.StringVar(&e.addr, "addr", ":3000", "Listen on `host:port`.")
	fs.StringVar(&e.dataDir, "data-dir", ".", "Directory `path` where the catalog document and uploaded images are kept.")
	fs.BoolVar(&e.unsafeAdmin, "unsafe-admin", false, "Trust unsafe_admin_id request fields instead of verified init data. Development only.")
}

func (e *engine) Run(ctx context.Context, env *cli.Env) error {
	if len(env.Args) > 0 {
		return fmt.Errorf("%w: this command takes no arguments", cli.ErrInvalidArgs)
	}

	// Optional .env file, the way the frontend deployments ship configuration.
	godotenv.Load()

	// Load configuration from environment variables.
	e.botToken = cmp.Or(e.botToken, env.Getenv("BOT_TOKEN"))
	e.webhookSecret = cmp.Or(e.webhookSecret, env.Getenv("TG_SECRET"))
	e.appURL = cmp.Or(e.appURL, strings.TrimSuffix(env.Getenv("APP_URL"), "/"))
	e.frontendURL = cmp.Or(e.frontendURL, env.Getenv("FRONTEND_URL"))
	e.postButtonText = cmp.Or(e.postButtonText, env.Getenv("POST_BUTTON_TEXT"), "Открыть")
	e.postButtonURL = cmp.Or(e.postButtonURL, env.Getenv("POST_BUTTON_URL"), e.frontendURL, "https://example.com")
	e.channelID = cmp.Or(e.channelID, env.Getenv("CHANNEL_ID"))
	e.channelThreadID = cmp.Or(e.channelThreadID, parseInt(env.Getenv("CHANNEL_THREAD_ID")))
	e.adminThreadID = cmp.Or(e.adminThreadID, parseInt(env.Getenv("ADMIN_THREAD_ID")))
	if e.admins == nil {
		e.admins = adminset.Parse(env.Getenv("ADMIN_CHAT_IDS"))
	}
	e.ghToken = cmp.Or(e.ghToken, env.Getenv("GITHUB_TOKEN"))
	e.ghRepo = cmp.Or(e.ghRepo, env.Getenv("GITHUB_REPO"))
	e.ghPath = cmp.Or(e.ghPath, env.Getenv("GITHUB_PRODUCTS_PATH"), productsFile)
	e.ghBranch = cmp.Or(e.ghBranch, env.Getenv("GITHUB_COMMIT_BRANCH"), "main")
	e.ghCommitMessage = cmp.Or(e.ghCommitMessage, env.Getenv("GITHUB_COMMIT_MESSAGE"), "Update products.json via backend")
	if port := env.Getenv("PORT"); port != "" && e.addr == ":3000" {
		e.addr = ":" + port
	}

	e.stderr = env.Stderr

	if e.botToken == "" {
		return errNoBotToken
	}

	// Initialize internal state.
	if err := e.init.Get(func() error {
		return e.doInit(ctx)
	}); err != nil {
		return err
	}

	if e.appURL == "" {
		e.logf("APP_URL is not set, skipping webhook registration.")
	}
	if e.admins.Len() == 0 {
		e.logf("ADMIN_CHAT_IDS is empty, lead delivery is disabled.")
	}

	// Used in tests.
	if e.noServerStart {
		return nil
	}

	if e.appURL != "" {
		if err := e.setWebhook(ctx); err != nil {
			e.logf("Failed to register webhook: %v", err)
		}
	}

	// Converge on the remote copy of the catalog before serving.
	if err := e.svc.SyncFromRemote(ctx); err != nil {
		e.logf("Startup catalog sync failed: %v", err)
	}

	return web.ListenAndServe(ctx, &web.ListenAndServeConfig{
		Addr:  e.addr,
		Mux:   e.mux,
		Logf:  e.logf,
		Ready: e.ready,
		Middleware: []func(http.Handler) http.Handler{
			web.CORS(e.frontendURL),
		},
	})
}

func (e *engine) doInit(ctx context.Context) error {
	if e.httpc == nil {
		e.httpc = request.DefaultClient
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}
	e.logf = log.New(e.stderr, "", 0).Printf

	var scrubPairs []string
	for _, val := range []string{
		e.botToken,
		e.webhookSecret,
		e.ghToken,
	} {
		if val != "" {
			scrubPairs = append(scrubPairs, val, "[EXPUNGED]")
		}
	}
	if len(scrubPairs) > 0 {
		e.scrubber = strings.NewReplacer(scrubPairs...)
	}

	e.tg = &telegram.Client{
		Token:      e.botToken,
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
	}
	e.verifier = &tgauth.Verifier{
		Token:  e.botToken,
		MaxAge: initDataMaxAge,
	}
	e.route = syncx.Protect(postRoute{
		ChannelID: e.channelID,
		ThreadID:  e.channelThreadID,
	})

	e.uploadsDir = filepath.Join(e.dataDir, uploadsDirName)
	if err := os.MkdirAll(e.uploadsDir, 0o755); err != nil {
		return err
	}
	e.svc = catalog.NewService(catalog.Config{
		Store: &catalog.Store{
			Path: filepath.Join(e.dataDir, productsFile),
			Logf: e.logf,
		},
		Remote: &github.Client{
			Token:         e.ghToken,
			Repo:          e.ghRepo,
			Path:          e.ghPath,
			Branch:        e.ghBranch,
			CommitMessage: e.ghCommitMessage,
			HTTPClient:    e.httpc,
			Scrubber:      e.scrubber,
		},
		Logf: e.logf,
	})

	me, err := e.tg.GetMe(ctx)
	if err != nil {
		return err
	}
	e.me = me
	e.logf("Logged in as @%s (id %d).", me.Username, me.ID)

	e.initRoutes()
	return nil
}

func (e *engine) setWebhook(ctx context.Context) error {
	desired := e.appURL + "/telegram"
	info, err := e.tg.GetWebhookInfo(ctx)
	if err != nil {
		return err
	}
	if info.URL == desired {
		e.logf("Webhook already registered: %s", desired)
		return nil
	}
	if err := e.tg.SetWebhook(ctx, desired, e.webhookSecret); err != nil {
		return err
	}
	e.logf("Webhook registered: %s", desired)
	return nil
}

func parseInt(s string) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return i
}
