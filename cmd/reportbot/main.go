package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/biamino/reportbot/internal/bot"
	"github.com/biamino/reportbot/internal/directory"
	"github.com/biamino/reportbot/internal/ledger"
	"github.com/biamino/reportbot/internal/opsapi"
	"github.com/biamino/reportbot/internal/recon"
	"github.com/biamino/reportbot/internal/sched"
	"github.com/biamino/reportbot/internal/syncer"
	"github.com/biamino/reportbot/internal/taskdb"
)

// app holds the components that depend on the ledger layout. A layout
// file change rebuilds them as a unit; sessions and the Telegram client
// survive the swap.
type app struct {
	mu    sync.Mutex
	store ledger.TableStore
	bot   *bot.Bot
	sync  *syncer.Orchestrator
}

func (a *app) currentBot() *bot.Bot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bot
}

func (a *app) orchestrator() *syncer.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sync
}

func (a *app) currentStore() ledger.TableStore {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store
}

// LastRun reports the latest import outcome for the status endpoint.
func (a *app) LastRun() (syncer.RunInfo, bool) {
	return a.orchestrator().LastRun()
}

func main() {
	botToken := strings.TrimSpace(os.Getenv("REPORTBOT_BOT_TOKEN"))
	if botToken == "" {
		log.Fatal("REPORTBOT_BOT_TOKEN is required")
	}

	loc, err := time.LoadLocation(envOr("REPORTBOT_TIMEZONE", "Europe/Moscow"))
	if err != nil {
		log.Fatalf("invalid REPORTBOT_TIMEZONE: %v", err)
	}

	layout := ledger.DefaultLayout()
	layoutPath := strings.TrimSpace(os.Getenv("REPORTBOT_LAYOUT_FILE"))
	if layoutPath != "" {
		layout, err = ledger.LoadLayoutFile(layoutPath)
		if err != nil {
			log.Fatalf("failed to load layout file: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeDSN, err := storeDSNFromEnv()
	if err != nil {
		log.Fatalf("storage configuration: %v", err)
	}
	tg := bot.NewClient(bot.ClientOptions{Token: botToken})
	sessions := bot.NewSessions(durationEnv("REPORTBOT_SESSION_TTL", 0), time.Now)
	adminIDs := parseInt64List(os.Getenv("REPORTBOT_ADMIN_IDS"))

	var source syncer.TaskSource
	if notionToken := strings.TrimSpace(os.Getenv("REPORTBOT_NOTION_TOKEN")); notionToken != "" {
		source = taskdb.NewClient(taskdb.ClientOptions{
			Token:       notionToken,
			DatabaseIDs: splitList(os.Getenv("REPORTBOT_NOTION_DATABASE_IDS")),
			APIVersion:  os.Getenv("REPORTBOT_NOTION_API_VERSION"),
			MaxRetries:  intEnv("REPORTBOT_NOTION_MAX_RETRIES", 0),
		})
	}

	a := &app{}
	rebuild := func(layout ledger.Layout) error {
		store, err := ledger.BuildTableStoreFromDSN(ctx, storeDSN, layout)
		if err != nil {
			return err
		}
		dir := directory.New(directory.Options{
			Store:  store,
			Layout: layout.Directory,
			TTL:    durationEnv("REPORTBOT_DIRECTORY_TTL", 0),
		})
		engine := recon.New(recon.Options{Store: store, Layout: layout})
		b := bot.New(bot.Options{
			Transport: tg,
			Sessions:  sessions,
			Directory: dir,
			Recon:     engine,
			AdminIDs:  adminIDs,
			SendDelay: durationEnv("REPORTBOT_SEND_DELAY", 0),
		})
		orch := syncer.New(syncer.Options{
			Source:    source,
			Store:     store,
			Layout:    layout,
			Directory: dir,
		})

		a.mu.Lock()
		old := a.store
		a.store, a.bot, a.sync = store, b, orch
		a.mu.Unlock()
		if old != nil {
			if err := old.Close(); err != nil {
				log.Printf("closing previous store: %v", err)
			}
		}
		return nil
	}
	if err := rebuild(layout); err != nil {
		log.Fatalf("failed to initialize ledger store: %v", err)
	}

	if layoutPath != "" {
		err := ledger.WatchLayoutFile(ctx, layoutPath, func(layout ledger.Layout) {
			if err := rebuild(layout); err != nil {
				log.Printf("layout reload: rebuild failed, keeping previous components: %v", err)
			}
		})
		if err != nil {
			log.Fatalf("failed to watch layout file: %v", err)
		}
	}

	nudgeHour, nudgeMinute := timeEnv("REPORTBOT_NUDGE_TIME", 21, 0)
	remindHour, remindMinute := timeEnv("REPORTBOT_REMINDER_TIME", 0, 0)

	runner := sched.NewRunner(log.Default())
	runner.Add(sched.Job{
		Name: "evening-nudge",
		Next: sched.DailyAt(nudgeHour, nudgeMinute, loc),
		Run: func(ctx context.Context) error {
			return a.currentBot().NudgeIncomplete(ctx)
		},
	})
	runner.Add(sched.Job{
		Name: "missed-report-reminder",
		Next: sched.DailyAt(remindHour, remindMinute, loc),
		Run: func(ctx context.Context) error {
			return a.currentBot().RemindPreviousDay(ctx)
		},
	})
	runner.Add(sched.Job{
		Name: "deadline-sweep",
		Next: sched.Every(durationEnv("REPORTBOT_DEADLINE_INTERVAL", time.Hour)),
		Run: func(ctx context.Context) error {
			return a.currentBot().SendDeadlineWarnings(ctx)
		},
	})
	if source != nil {
		runner.Add(sched.Job{
			Name: "task-import",
			Next: sched.Every(durationEnv("REPORTBOT_SYNC_INTERVAL", 15*time.Minute)),
			Run: func(ctx context.Context) error {
				_, err := a.orchestrator().Sync(ctx)
				return err
			},
		})
	} else {
		log.Print("REPORTBOT_NOTION_TOKEN not set, task import disabled")
	}
	runner.Start(ctx)

	statusAddr := envOr("REPORTBOT_STATUS_ADDR", "127.0.0.1:8090")
	statusSrv := &http.Server{
		Addr:    statusAddr,
		Handler: opsapi.NewServer(a, runner),
	}
	go func() {
		log.Printf("status endpoint listening on %s", statusAddr)
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("status server failed: %v", err)
		}
	}()

	log.Print("reportbot polling for updates")
	err = bot.Poll(ctx, tg, log.Default(), func(ctx context.Context, upd bot.Update) {
		a.currentBot().HandleUpdate(ctx, upd)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("update loop stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("status server shutdown: %v", err)
	}
	runner.Wait()
	if err := a.currentStore().Close(); err != nil {
		log.Printf("closing store: %v", err)
	}
}

// storeDSNFromEnv resolves the ledger store: an explicit DSN wins, else
// a named profile picks sensible defaults.
func storeDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("REPORTBOT_STORE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(envOr("REPORTBOT_STORE_PROFILE", "memory"))
	switch profile {
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(envOr("REPORTBOT_DATA_DIR", ".reportbot"), "ledgers.json"), nil
	case "production", "prod":
		return "", errors.New("REPORTBOT_STORE_DSN is required when REPORTBOT_STORE_PROFILE=production")
	default:
		return "", fmt.Errorf("unsupported REPORTBOT_STORE_PROFILE: %s", profile)
	}
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// timeEnv reads a wall-clock time of day in HH:MM form.
func timeEnv(name string, fallbackHour, fallbackMinute int) (hour, minute int) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallbackHour, fallbackMinute
	}
	parsed, err := time.Parse("15:04", raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %02d:%02d", name, raw, fallbackHour, fallbackMinute)
		return fallbackHour, fallbackMinute
	}
	return parsed.Hour(), parsed.Minute()
}

func parseInt64List(raw string) []int64 {
	var out []int64
	for _, part := range splitList(raw) {
		value, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("skipping malformed id %q", part)
			continue
		}
		out = append(out, value)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
