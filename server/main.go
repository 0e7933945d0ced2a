// server/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/alexedwards/scs/pgxstore"
	"github.com/alexedwards/scs/v2"
	"github.com/joho/godotenv"

	"github.com/rexlx/chapterhouse/club"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}
	cfg, err := club.LoadConfig()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	ctx := context.Background()
	db, err := club.NewDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("could not initialize database: %v", err)
	}
	defer db.Close()
	if err := db.CreateTables(ctx); err != nil {
		log.Fatalf("could not create tables: %v", err)
	}
	log.Println("successfully connected to the database")

	// Both the status cache and the push stream are optional; without them
	// the gate reads the store directly and the badge polls.
	cache := club.NewStatusCache(cfg.RedisAddr, cfg.RedisPass)
	var stream club.Stream
	if cfg.NATSURL != "" {
		nstream, err := club.NewNATSStream(cfg.NATSURL)
		if err != nil {
			log.Fatalf("could not connect to nats: %v", err)
		}
		defer nstream.Close()
		stream = nstream
		log.Println("nats connected, live unread badge enabled")
	}

	sessions := scs.New()
	sessions.Store = pgxstore.New(db.Pool)
	sessions.Lifetime = cfg.SessionTTL
	sessions.Cookie.HttpOnly = true

	tokens := club.NewTokens(cfg.JWTSecret, cfg.SessionTTL)
	users := club.NewUsers(db)
	notify := club.NewNotifier(db, stream)
	engagement := club.NewEngagement(db, notify)
	moderation := club.NewModeration(db, cache)
	gate := club.NewGate(sessions, tokens, db, cache)

	handlers := club.NewHandlers(users, engagement, notify, moderation, gate, stream, tokens)
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	svr := &http.Server{
		Addr:    cfg.Addr,
		Handler: sessions.LoadAndSave(mux),
	}
	log.Printf("starting chapterhouse server on %s", cfg.Addr)
	if err := svr.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
