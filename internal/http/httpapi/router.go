package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"comicgen/internal/http/handlers"
	"comicgen/internal/infra"
	"comicgen/internal/middleware"
)

// Options configures the cross-cutting middleware.
type Options struct {
	CORSOrigins     []string
	RateLimitPerMin int
	AuthSecret      string
	DefaultLocale   string
	StaticDir       string
	Logger          infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
		middleware.I18N(opts.DefaultLocale),
		middleware.Identity(opts.AuthSecret),
	)

	// Health
	r.Get("/v1/healthz", app.Health)

	limited := middleware.RateLimit(opts.RateLimitPerMin, time.Minute)

	r.With(limited).Post("/generate-comic", app.GenerateComic)
	r.Route("/comic/{id}", func(r chi.Router) {
		r.Get("/", app.GetComic)
		r.Get("/archive", app.ComicArchive)
		r.With(limited).Put("/extend", app.ExtendComic)
		r.With(limited).Post("/pages/{index}/reload", app.ReloadPage)
	})
	r.Get("/comics", app.ListComics)
	r.Get("/me/comics", app.ListMyComics)
	r.Get("/image-queue-size", app.ImageQueueSize)
	r.Get("/ws", app.Updates)

	if dir := strings.TrimSpace(opts.StaticDir); dir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(dir)))
		r.Get("/static/*", fs.ServeHTTP)
	}

	return r
}
