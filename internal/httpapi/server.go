// Package httpapi exposes the menu keys, the string buttons and the looper
// status over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/menu"
	"github.com/chase3718/lou-looper/internal/session"
)

// Presser is a string button bank.
type Presser interface {
	Press(str int)
}

// Server is the remote control surface.
type Server struct {
	nav     *menu.Navigator
	buttons Presser
	store   *loopstore.Store
	rec     *session.Recorder
	player  *session.Player
	log     *slog.Logger
}

func New(nav *menu.Navigator, buttons Presser, store *loopstore.Store, rec *session.Recorder, player *session.Player, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{nav: nav, buttons: buttons, store: store, rec: rec, player: player, log: log.With("component", "http")}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http: request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "took", time.Since(start))
	})

	api := r.Group("/api")
	api.GET("/display", s.getDisplay)
	api.POST("/keys/:key", s.pressKey)
	api.POST("/strings/:string/press", s.pressString)
	api.GET("/tabs", s.getTabs)
	api.GET("/status", s.getStatus)
	api.POST("/playback/stop", s.stopPlayback)
	return r
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("http: listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) displayJSON(c *gin.Context) {
	d := s.nav.Display()
	c.JSON(http.StatusOK, gin.H{"line1": d.Line1, "line2": d.Line2, "path": s.nav.Path()})
}

func (s *Server) getDisplay(c *gin.Context) { s.displayJSON(c) }

func (s *Server) pressKey(c *gin.Context) {
	switch c.Param("key") {
	case "next":
		s.nav.Next()
	case "previous":
		s.nav.Previous()
	case "execute":
		s.nav.Execute()
	case "cancel":
		s.nav.Cancel()
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown key " + c.Param("key")})
		return
	}
	s.displayJSON(c)
}

func (s *Server) pressString(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("string"))
	if err != nil || n < 0 || n >= loopstore.NumStrings {
		c.JSON(http.StatusBadRequest, gin.H{"error": "string must be 0-5"})
		return
	}
	s.buttons.Press(n)
	c.JSON(http.StatusOK, gin.H{"string": n})
}

func (s *Server) getTabs(c *gin.Context) {
	filter := loopstore.FilterAll
	switch c.DefaultQuery("filter", "all") {
	case "all":
	case "native":
		filter = loopstore.FilterNative
	case "external":
		filter = loopstore.FilterExternal
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "filter must be all, native or external"})
		return
	}
	refs, err := s.store.ListAvailableTabs(filter)
	if err != nil {
		s.log.Error("http: list tabs", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	tabs := make([]gin.H, 0, len(refs))
	for _, r := range refs {
		tabs = append(tabs, gin.H{"name": r.Name, "native": r.Native})
	}
	c.JSON(http.StatusOK, gin.H{"tabs": tabs})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"recorder": gin.H{
			"tab":   s.rec.Tab(),
			"state": s.rec.State().String(),
			"beat":  s.rec.CurrentBeat(),
			"loops": s.rec.LoopCount(),
		},
		"player": gin.H{
			"active": s.player.Active(),
			"title":  s.player.Title(),
		},
	})
}

func (s *Server) stopPlayback(c *gin.Context) {
	s.player.Stop()
	c.JSON(http.StatusOK, gin.H{"active": false})
}
