package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	configx "github.com/procurehq/parley/pkg/config"
	"github.com/procurehq/parley/pkg/llm"
	_ "github.com/procurehq/parley/pkg/logger/autoload"
	"github.com/procurehq/parley/pkg/mailer"
	"github.com/procurehq/parley/router"
	"github.com/procurehq/parley/server"
	"github.com/procurehq/parley/store"
)

type AppConfig struct {
	Port          string `envconfig:"PORT" default:"8000"`
	EmailUser     string `envconfig:"EMAIL_USER" split_words:"true"`
	EmailPassword string `envconfig:"EMAIL_PASSWORD" split_words:"true"`
}

func main() {
	appCfg := configx.MustNew[AppConfig]("")

	st, err := store.NewPostgres(*configx.MustNew[store.Config]("DB"))
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	defer st.Close()

	completer, err := llm.NewCompleter(*configx.MustNew[llm.Config]("LLM"))
	if err != nil {
		log.Fatal().Err(err).Msg("completion client init failed")
	}

	mail := mailer.NewClient(*configx.MustNew[mailer.Config]("MAIL"))

	sessions := router.NewManager()
	rt := router.New()
	resolver := router.NewResolver(st, sessions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(st, completer, mail, rt, sessions,
		server.WithWatcherStarter(func() { startWatcher(ctx, mail, resolver, rt) }))

	if appCfg.EmailUser != "" && appCfg.EmailPassword != "" {
		if err := mail.Login(ctx, appCfg.EmailUser, appCfg.EmailPassword); err != nil {
			log.Error().Err(err).Msg("email login failed, mail disabled")
		} else {
			srv.StartWatcher()
		}
	} else {
		log.Warn().Msg("no email credentials provided, email sending/receiving disabled")
	}

	httpSrv := &http.Server{
		Addr:    ":" + appCfg.Port,
		Handler: srv.Routes(),
	}
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}

// startWatcher routes every newly arrived email through the resolver into the
// event router. Unresolvable emails are dropped; the watcher itself reconnects
// on transport failures and only stops with the process.
func startWatcher(ctx context.Context, mail *mailer.Client, resolver *router.Resolver, rt *router.Router) {
	inbound, err := mail.Watch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("mail watcher start failed")
		return
	}
	go func() {
		for in := range inbound {
			ev, err := resolver.Resolve(ctx, in.Sender, in.Subject, in.Body)
			if err != nil {
				log.Warn().Err(err).
					Str("sender", in.Sender).
					Str("subject", in.Subject).
					Msg("dropping inbound email")
				continue
			}
			log.Info().
				Str("ng_id", ev.NgID).
				Str("supplier_id", ev.SupplierID).
				Msg("routing inbound email")
			rt.Push(ctx, ev)
		}
		log.Info().Msg("mail watcher stopped")
	}()
}
