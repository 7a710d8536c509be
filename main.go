package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/completion"
	"github.com/pliu/chatsync/internal/config"
	"github.com/pliu/chatsync/internal/events"
	"github.com/pliu/chatsync/internal/handlers"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/observability"
	"github.com/pliu/chatsync/internal/store/sqlstore"
	"github.com/pliu/chatsync/internal/ws"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	addr       = flag.String("addr", "", "http service address (overrides config)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	store, err := sqlstore.New(cfg.DBDriver, cfg.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		log.Printf("[Server] CHATSYNC_TOKEN_SECRET not set, using a development secret")
		secret = []byte("chatsync-dev-secret")
	}
	signer := auth.NewSigner(secret, cfg.TokenTTL)

	hub := ws.NewHub()
	go hub.Run()
	defer hub.Stop()

	publisher := events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()

	var responder completion.Responder = completion.Echo{}
	if cfg.OpenRouter.APIKey != "" {
		responder = completion.NewOpenRouter(cfg.OpenRouter.APIKey,
			completion.WithBaseURL(cfg.OpenRouter.BaseURL),
			completion.WithModel(cfg.OpenRouter.Model),
		)
	}
	log.Printf("[Server] store=%s events=%s model=%s", cfg.DBDriver, events.Mode(publisher), responder.Model())

	authHandler := &handlers.AuthHandler{Store: store, Signer: signer}
	chatHandler := &handlers.ChatHandler{Store: store, Hub: hub, Publisher: publisher, Responder: responder}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)
	r.Use(observability.HTTPMetricsMiddleware)
	r.NotFoundHandler = http.HandlerFunc(handlers.NotFound)

	r.HandleFunc("/healthz", handlers.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API Endpoints
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", authHandler.Register).Methods("POST")
	api.HandleFunc("/login", authHandler.Login).Methods("POST")

	// WebSocket Endpoint; anonymous links are allowed for presence.
	api.Handle("/ws", middleware.OptionalAuth(signer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, _ := middleware.UserFromContext(r.Context())
		ws.ServeWs(hub, w, r, email)
	}))).Methods("GET")

	protected := api.NewRoute().Subrouter()
	protected.Use(middleware.Auth(signer))
	protected.HandleFunc("/user", authHandler.User).Methods("GET")
	protected.HandleFunc("/logout", authHandler.Logout).Methods("POST")
	protected.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")
	protected.HandleFunc("/chats", chatHandler.SaveChat).Methods("POST")
	protected.HandleFunc("/chats/{id}", chatHandler.UpdateChat).Methods("PUT")
	protected.HandleFunc("/chats/{id}", chatHandler.DeleteChat).Methods("DELETE")
	protected.HandleFunc("/chat", chatHandler.Complete).Methods("POST")
	protected.HandleFunc("/models", chatHandler.Models).Methods("GET")

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Println("Starting server on", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] shutdown error=%v", err)
	}
}
