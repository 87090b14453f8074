package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang/glog"
	"github.com/rs/cors"
)

type Settings struct {
	ListenAddr     string   `env:"BOARD_LISTEN_ADDR" envDefault:":7070"`
	DbPath         string   `env:"BOARD_DB_PATH" envDefault:"board.db"`
	JwtSecret      string   `env:"BOARD_JWT_SECRET,required"`
	AllowedOrigins []string `env:"BOARD_ALLOWED_ORIGINS" envSeparator:","`
}

// SettingsFromEnv loads configuration from environment variables.
func SettingsFromEnv() (*Settings, error) {
	settings := &Settings{}
	if err := env.Parse(settings); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return settings, nil
}

// Server wires the record store, the mutation api, and the broadcast
// hub behind one http listener.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *Settings

	store *Store
	auth  *SessionAuth
	hub   *Hub
	api   *Api

	handler http.Handler
}

func NewServer(ctx context.Context, settings *Settings) (*Server, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	store, err := OpenStore(cancelCtx, settings.DbPath)
	if err != nil {
		cancel()
		return nil, err
	}

	auth := NewSessionAuth(settings.JwtSecret)
	hub := NewHubWithDefaults(cancelCtx, auth)
	api := NewApi(store, hub, auth)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /board/auth-login", api.AuthLogin)
	mux.HandleFunc("POST /board/create-record", api.CreateRecord)
	mux.HandleFunc("POST /board/update-record", api.UpdateRecord)
	mux.HandleFunc("POST /board/remove-record", api.RemoveRecord)
	mux.HandleFunc("GET /board/records", api.Records)
	mux.HandleFunc("GET /board/audit", api.Audit)
	mux.HandleFunc("GET /board/ws", hub.ServeWs)

	corsOptions := cors.Options{
		AllowedOrigins: settings.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Connection-Id"},
	}
	if len(settings.AllowedOrigins) == 0 {
		corsOptions.AllowedOrigins = []string{"*"}
	}

	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		store:    store,
		auth:     auth,
		hub:      hub,
		api:      api,
		handler:  cors.New(corsOptions).Handler(mux),
	}, nil
}

func (self *Server) Handler() http.Handler {
	return self.handler
}

func (self *Server) Store() *Store {
	return self.store
}

func (self *Server) Hub() *Hub {
	return self.hub
}

func (self *Server) Auth() *SessionAuth {
	return self.auth
}

// Run serves until the context is canceled, then shuts down
// gracefully.
func (self *Server) Run() error {
	defer self.cancel()

	httpServer := &http.Server{
		Addr:    self.settings.ListenAddr,
		Handler: self.handler,
	}

	go func() {
		<-self.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("[s]listening on %s\n", self.settings.ListenAddr)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *Server) Close() {
	self.cancel()
	self.store.Close()
}
