package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/peersupport/roomsync/authority"
	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"github.com/peersupport/roomsync/pubsub"
	"github.com/rs/zerolog"
)

var GitCommit string

const version = "0.1.0"

const (
	EnvBindAddr   = "ROOMSYNC_BINDADDR"
	EnvRooms      = "ROOMSYNC_ROOMS"
	EnvUsers      = "ROOMSYNC_USERS"
	EnvSentryDsn  = "ROOMSYNC_SENTRY_DSN"
	EnvOTLP       = "ROOMSYNC_OTLP_URL"
	EnvOTLPUser   = "ROOMSYNC_OTLP_USERNAME"
	EnvOTLPPass   = "ROOMSYNC_OTLP_PASSWORD"
	EnvLogLevel   = "ROOMSYNC_LOG_LEVEL"
	EnvEnvFile    = "ROOMSYNC_ENV_FILE"
	defaultRooms  = "General,Random"
	shutdownGrace = 5 * time.Second
)

var helpMsg = fmt.Sprintf(`
Environment var
%s  Default: ":8080". The interface and port to listen on.
%s     Default: %q. Comma separated named rooms to create at startup.
%s     Default: unset. Comma separated id=Display Name pairs to register.
%s Default: unset. The Sentry DSN to report panics in push callbacks to.
%s  Default: unset. The OTLP HTTP base URL to send traces to e.g https://localhost:4318
%s Default: unset. The OTLP username for Basic auth.
%s Default: unset. The OTLP password for Basic auth.
%s Default: info. One of trace, debug, info, warn, error.
%s  Default: ".env". A dotenv file loaded before reading the variables above.
`, EnvBindAddr, EnvRooms, defaultRooms, EnvUsers, EnvSentryDsn, EnvOTLP, EnvOTLPUser, EnvOTLPPass, EnvLogLevel, EnvEnvFile)

var (
	flagBindAddr = flag.String("bind", "", "Bind address, overrides "+EnvBindAddr)
	flagRooms    = flag.String("rooms", "", "Named rooms to create, overrides "+EnvRooms)
)

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func main() {
	fmt.Printf("roomsync authority %s (%s)\n", version, GitCommit)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprint(flag.CommandLine.Output(), helpMsg)
	}
	flag.Parse()

	envFile := defaulting(os.Getenv(EnvEnvFile), ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %s\n", envFile, err)
		os.Exit(1)
	}
	args := map[string]string{
		EnvBindAddr:  defaulting(*flagBindAddr, defaulting(os.Getenv(EnvBindAddr), ":8080")),
		EnvRooms:     defaulting(*flagRooms, defaulting(os.Getenv(EnvRooms), defaultRooms)),
		EnvUsers:     os.Getenv(EnvUsers),
		EnvSentryDsn: os.Getenv(EnvSentryDsn),
		EnvOTLP:      os.Getenv(EnvOTLP),
		EnvOTLPUser:  os.Getenv(EnvOTLPUser),
		EnvOTLPPass:  os.Getenv(EnvOTLPPass),
		EnvLogLevel:  defaulting(os.Getenv(EnvLogLevel), "info"),
	}

	level, err := zerolog.ParseLevel(args[EnvLogLevel])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %s\n", EnvLogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})

	if args[EnvOTLP] != "" {
		logger.Info().Str("url", args[EnvOTLP]).Msg("Configuring OTLP")
		if err = internal.ConfigureOTLP(args[EnvOTLP], args[EnvOTLPUser], args[EnvOTLPPass], "roomsync-authority", version); err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP")
		}
	}
	if args[EnvSentryDsn] != "" {
		logger.Info().Msg("Configuring Sentry reporter")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:     args[EnvSentryDsn],
			Release: version,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure sentry")
		}
		defer sentry.Flush(shutdownGrace)
	}

	ps := pubsub.NewPubSub()
	store := authority.NewStore(pubsub.NewPromNotifier(ps, "authority"))
	for _, pair := range splitList(args[EnvUsers]) {
		id, name, _ := strings.Cut(pair, "=")
		store.RegisterUser(chat.Identity{ID: id, DisplayName: defaulting(name, id)})
	}
	for _, name := range splitList(args[EnvRooms]) {
		room, err := store.CreateRoom(name)
		if err != nil {
			logger.Fatal().Err(err).Str("name", name).Msg("failed to create room")
		}
		logger.Info().Str("room", room.ID).Str("name", name).Msg("created room")
	}

	logger.Info().Msgf("listening on %s", args[EnvBindAddr])
	if err = http.ListenAndServe(args[EnvBindAddr], authority.NewHandler(store, ps)); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
