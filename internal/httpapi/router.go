// Package httpapi exposes the pitch pipeline over a JSON API.
package httpapi

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
	"pitchengine/internal/pipeline"
	"pitchengine/internal/scripts"
	"pitchengine/internal/voice"
)

// Pipeline is the set of pipeline operations served over HTTP.
type Pipeline interface {
	ImportLink(ctx context.Context, userID int64, rawURL, title string) (domain.Link, error)
	GetLink(ctx context.Context, linkID string) (domain.Link, error)
	ListLinks(ctx context.Context, userID int64) ([]domain.Link, error)
	DeleteLink(ctx context.Context, userID int64, linkID string) error

	Extract(ctx context.Context, linkID string, force bool) (pipeline.Result, error)
	GenerateScripts(ctx context.Context, linkID, bio string) (pipeline.Result, error)
	SelectScript(ctx context.Context, linkID string, choice scripts.Choice) (pipeline.Result, error)
	SynthesizeAudio(ctx context.Context, linkID string) (pipeline.Result, error)
	RegenerateAudio(ctx context.Context, linkID string) (pipeline.Result, error)
	UploadRecording(ctx context.Context, linkID string, rec voice.Sample) (pipeline.Result, error)
	RemoveAudio(ctx context.Context, linkID string) (pipeline.Result, error)
	Publish(ctx context.Context, linkID string, allowTextOnly bool) (pipeline.Result, error)
	Status(ctx context.Context, linkID string) (pipeline.Status, error)
	OpenAudio(ctx context.Context, linkID string) (io.ReadCloser, domain.AudioAsset, error)

	RegisterVoice(ctx context.Context, userID int64, voiceID, name string) (domain.VoiceIdentity, error)
	CloneVoice(ctx context.Context, userID int64, name string, sample voice.Sample) (domain.VoiceIdentity, error)
	ActiveVoice(ctx context.Context, userID int64) (domain.VoiceIdentity, error)
	PreviewVoice(ctx context.Context, userID int64, text string) (voice.Clip, error)

	GenerateAll(ctx context.Context, userID int64, bio string) (pipeline.BatchReport, error)
	SynthesizeAll(ctx context.Context, userID int64) (pipeline.BatchReport, error)
}

// NewRouter builds the gin engine. Metrics are served from gatherer.
func NewRouter(p Pipeline, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *gin.Engine {
	log := logger.WithField("component", "http_api")
	h := &handlers{p: p, log: log}

	router := gin.New()
	router.Use(requestLogger(log))
	router.Use(recovery(log))

	router.GET("/health", healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.Use(requireUser())
	{
		links := v1.Group("/links")
		{
			links.GET("", h.listLinks)
			links.POST("", h.importLink)
			links.GET("/:id", h.owned(h.getLink))
			links.DELETE("/:id", h.deleteLink)
			links.GET("/:id/status", h.owned(h.status))
			links.POST("/:id/extract", h.owned(h.extract))
			links.POST("/:id/scripts", h.owned(h.generateScripts))
			links.PUT("/:id/selection", h.owned(h.selectScript))
			links.POST("/:id/audio", h.owned(h.synthesize))
			links.POST("/:id/audio/regenerate", h.owned(h.regenerate))
			links.POST("/:id/audio/recording", h.owned(h.uploadRecording))
			links.GET("/:id/audio", h.owned(h.streamAudio))
			links.DELETE("/:id/audio", h.owned(h.removeAudio))
			links.POST("/:id/publish", h.owned(h.publish))
		}

		voices := v1.Group("/voices")
		{
			voices.POST("", h.registerVoice)
			voices.POST("/clone", h.cloneVoice)
			voices.GET("/active", h.activeVoice)
			voices.POST("/preview", h.previewVoice)
		}

		batch := v1.Group("/batch")
		{
			batch.POST("/scripts", h.generateAll)
			batch.POST("/audio", h.synthesizeAll)
		}
	}

	return router
}
