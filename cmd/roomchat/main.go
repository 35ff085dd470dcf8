package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/rooms"
	"github.com/peersupport/roomsync/scroll"
	"github.com/peersupport/roomsync/syncer"
	"github.com/peersupport/roomsync/timeline"
	"github.com/peersupport/roomsync/transport"
	"github.com/peersupport/roomsync/typing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	EnvServer    = "ROOMSYNC_SERVER"
	EnvUser      = "ROOMSYNC_USER"
	EnvUsername  = "ROOMSYNC_USERNAME"
	EnvToken     = "ROOMSYNC_TOKEN"
	EnvLogLevel  = "ROOMSYNC_LOG_LEVEL"
	EnvSentryDsn = "ROOMSYNC_SENTRY_DSN"
)

var (
	flagServer  = flag.String("server", "", "Remote authority base URL, overrides "+EnvServer)
	flagUser    = flag.String("user", "", "Your user id, overrides "+EnvUser)
	flagName    = flag.String("name", "", "Your display name, overrides "+EnvUsername)
	flagRoom    = flag.String("room", "General", "Named room to join")
	flagPeer    = flag.String("peer", "", "Open a direct conversation with this user id instead of a named room")
	flagMetrics = flag.String("metrics", "", "If set, serve prometheus metrics on this address")
)

const requestTimeout = 30 * time.Second

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func main() {
	flag.Parse()
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %s\n", err)
		os.Exit(1)
	}
	server := strings.TrimSuffix(defaulting(*flagServer, defaulting(os.Getenv(EnvServer), "http://localhost:8080")), "/")
	user := chat.CurrentUser{
		ID:       defaulting(*flagUser, os.Getenv(EnvUser)),
		Username: defaulting(*flagName, os.Getenv(EnvUsername)),
	}
	if user.ID == "" {
		flag.Usage()
		os.Exit(1)
	}
	user.Username = defaulting(user.Username, user.ID)
	level, err := zerolog.ParseLevel(defaulting(os.Getenv(EnvLogLevel), "warn"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %s\n", EnvLogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)

	if dsn := os.Getenv(EnvSentryDsn); dsn != "" {
		if err = sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure sentry: %s\n", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if *flagMetrics != "" {
		reg := prometheus.NewRegistry()
		if err = timeline.RegisterMetrics(reg); err == nil {
			err = syncer.RegisterMetrics(reg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to register metrics: %s\n", err)
			os.Exit(1)
		}
		go func() {
			if err := http.ListenAndServe(*flagMetrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server stopped: %s\n", err)
			}
		}()
	}

	token := os.Getenv(EnvToken)
	tokenFn := func() string { return token }
	client := transport.NewHTTPClient(server, tokenFn, requestTimeout)
	subscriber := &transport.WSSubscriber{
		URL:   "ws" + strings.TrimPrefix(server, "http") + "/subscribe",
		Token: tokenFn,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := &printer{w: os.Stdout, printed: make(map[string]bool)}
	anchor := scroll.NewController(scroll.ScrollerFunc(func(animated bool) {
		if !animated {
			out.printf("--- history ---\n")
		}
	}), scroll.DefaultThresholdPX)

	var (
		sender  syncer.Sender
		emitter syncer.TypingEmitter
		roomID  string
	)
	if *flagPeer != "" {
		presence := typing.NewChannel(client, user, typing.DefaultStaleAfter)
		defer presence.Close()
		emitter = presence
		d := syncer.NewDirect(client, subscriber, user, anchor, rooms.NewDirectResolver(client, user), presence)
		defer d.Close()
		d.OnChange(out.render)
		d.OnTypingChange(out.typing)
		roomID, err = d.OpenPeer(ctx, *flagPeer)
		sender = d
	} else {
		mgr := rooms.NewManager(client, user)
		if err = mgr.Watch(ctx, subscriber, func(counts map[string]int) {
			out.printf("* %d in %s\n", counts[*flagRoom], *flagRoom)
		}); err != nil {
			fmt.Fprintf(os.Stderr, "room counts unavailable: %s\n", err)
		}
		defer mgr.Close()
		roomID, err = mgr.Focus(ctx, *flagRoom)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open %s: %s\n", *flagRoom, err)
			os.Exit(1)
		}
		// leave on the way out even if ctx was cancelled
		defer mgr.Blur(context.Background())
		s := syncer.New(client, subscriber, user, anchor)
		defer s.Close()
		s.OnChange(out.render)
		err = s.Open(ctx, roomID)
		sender = s
	}
	if err != nil && !errors.Is(err, syncer.ErrSuperseded) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", err)
		if roomID == "" {
			os.Exit(1)
		}
	}
	out.printf("* joined %s as %s. /reply <id>, /cancel, /refresh, /quit\n", roomID, user.Username)

	composer := syncer.NewComposer(emitter, roomID, syncer.DefaultTypingInterval)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, line, composer, sender, out) {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, line string, composer *syncer.Composer, sender syncer.Sender, out *printer) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "/quit":
		return false
	case "/cancel":
		composer.CancelReply()
		return true
	case "/reply":
		msg, ok := out.lookup(arg)
		if !ok {
			out.printf("* no message %s\n", arg)
			return true
		}
		composer.SetReplyTo(msg)
		out.printf("* replying to %s\n", msg.Author.DisplayName)
		return true
	case "/refresh":
		if r, ok := sender.(interface{ Refresh(context.Context) error }); ok {
			if err := r.Refresh(ctx); err != nil {
				out.printf("* refresh failed: %s\n", err)
			}
		}
		return true
	}
	composer.SetText(line)
	sendCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := composer.Submit(sendCtx, sender); err != nil && !errors.Is(err, syncer.ErrEmptyMessage) {
		out.printf("* not sent (%s), press enter to retry\n", err)
	}
	return true
}

// printer writes messages to the terminal once each, in the order they are confirmed.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]bool
	last    []chat.Message
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) render(st syncer.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = st.Messages
	for _, m := range st.Messages {
		if m.IsTemporary() || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		prefix := ""
		if m.ReplyTo != nil {
			prefix = fmt.Sprintf("(re %s: %q) ", m.ReplyTo.AuthorName, m.ReplyTo.Text)
		}
		fmt.Fprintf(p.w, "[%s] %s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.ID, m.Author.DisplayName, prefix, m.Text)
	}
}

func (p *printer) typing(sigs []chat.TypingSignal) {
	if len(sigs) == 0 {
		return
	}
	names := make([]string, len(sigs))
	for i := range sigs {
		names[i] = sigs[i].UserID
	}
	p.printf("* %s typing...\n", strings.Join(names, ", "))
}

func (p *printer) lookup(id string) (chat.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return timeline.Find(p.last, id)
}
