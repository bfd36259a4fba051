// Package api exposes the broker's command API over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat_broker/internal/auth"
	"chat_broker/internal/blob"
	"chat_broker/internal/messages"
	"chat_broker/internal/presence"
	"chat_broker/internal/typing"
)

type Deps struct {
	Messages *messages.Store
	Presence *presence.Registry
	Typing   *typing.Store
	Blobs    *blob.Store
	Auth     *auth.Authenticator
	// WS serves the live subscription socket. Optional.
	WS     http.Handler
	Logger *slog.Logger

	RateLimitPerMinute int
	CORSOrigins        []string
}

type Handler struct {
	messages *messages.Store
	presence *presence.Registry
	typing   *typing.Store
	blobs    *blob.Store
	logger   *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &Handler{
		messages: d.Messages,
		presence: d.Presence,
		typing:   d.Typing,
		blobs:    d.Blobs,
		logger:   d.Logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(propagateRequestID)
	r.Use(withMetrics(d.Logger))
	if d.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(d.RateLimitPerMinute, time.Minute))
	}
	// Credentials are only allowed for an explicit origin list.
	origins := d.CORSOrigins
	credentials := len(origins) > 0
	if !credentials {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: credentials,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(d.Auth.Middleware)

		if d.WS != nil {
			pr.Handle("/ws", d.WS)
		}

		pr.Route("/v1", func(r chi.Router) {
			r.Route("/presence", func(r chi.Router) {
				r.Get("/", h.listPresence)
				r.Put("/", h.upsertPresence)
				r.Delete("/", h.markOffline)
				r.Post("/heartbeat", h.heartbeat)
			})

			r.Route("/typing", func(r chi.Router) {
				r.Get("/", h.currentTyping)
				r.Put("/", h.setTyping)
				r.Delete("/", h.clearTyping)
			})

			r.Route("/messages", func(r chi.Router) {
				r.Get("/", h.listMessages)
				r.Post("/", h.sendMessage)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.getMessage)
					r.Patch("/", h.editMessage)
					r.Delete("/", h.deleteMessage)
					r.Post("/reactions", h.toggleReaction)
					r.Put("/reactions/{emoji}", h.setReaction(true))
					r.Delete("/reactions/{emoji}", h.setReaction(false))
					r.Post("/read", h.markRead)
					r.Post("/delivered", h.markDelivered)
					r.Put("/pin", h.pin)
					r.Delete("/pin", h.unpin)
				})
			})

			if d.Blobs != nil {
				r.Post("/blobs", h.uploadBlob)
				r.Get("/blobs/{ref}", h.downloadBlob)
			}
		})
	})

	return r
}
