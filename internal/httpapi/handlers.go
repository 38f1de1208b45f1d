package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
	"pitchengine/internal/pipeline"
	"pitchengine/internal/scripts"
	"pitchengine/internal/voice"
)

const linkKey = "link"

type handlers struct {
	p   Pipeline
	log logrus.FieldLogger
}

type resultResponse struct {
	Link     domain.Link `json:"link"`
	Warnings []errorBody `json:"warnings,omitempty"`
}

func newResultResponse(res pipeline.Result) resultResponse {
	resp := resultResponse{Link: res.Link}
	for _, w := range res.Warnings {
		resp.Warnings = append(resp.Warnings, newErrorBody(w))
	}
	return resp
}

func badRequest(c *gin.Context, stage domain.Stage, err error) {
	writeError(c, domain.NewError(stage, domain.CodeInvalidInput, err.Error(), nil), nil)
}

// owned loads the link named by :id and hides links of other users.
func (h *handlers) owned(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		link, err := h.p.GetLink(c.Request.Context(), c.Param("id"))
		if err == nil && link.UserID != userID(c) {
			err = domain.NewError(domain.StageStore, domain.CodeNotFound, "link "+c.Param("id"), nil)
		}
		if err != nil {
			writeError(c, err, nil)
			return
		}
		c.Set(linkKey, link)
		next(c)
	}
}

func (h *handlers) respond(c *gin.Context, res pipeline.Result, err error) {
	if err != nil {
		writeError(c, err, &res.Link)
		return
	}
	c.JSON(http.StatusOK, newResultResponse(res))
}

func (h *handlers) listLinks(c *gin.Context) {
	links, err := h.p.ListLinks(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (h *handlers) importLink(c *gin.Context) {
	var req struct {
		URL   string `json:"url" binding:"required"`
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, domain.StageImport, err)
		return
	}
	link, err := h.p.ImportLink(c.Request.Context(), userID(c), req.URL, req.Title)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, link)
}

func (h *handlers) getLink(c *gin.Context) {
	c.JSON(http.StatusOK, c.MustGet(linkKey).(domain.Link))
}

func (h *handlers) deleteLink(c *gin.Context) {
	if err := h.p.DeleteLink(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) status(c *gin.Context) {
	st, err := h.p.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) extract(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	res, err := h.p.Extract(c.Request.Context(), c.Param("id"), force)
	h.respond(c, res, err)
}

func (h *handlers) generateScripts(c *gin.Context) {
	var req struct {
		Bio string `json:"bio"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, domain.StageGenerate, err)
			return
		}
	}
	res, err := h.p.GenerateScripts(c.Request.Context(), c.Param("id"), req.Bio)
	h.respond(c, res, err)
}

func (h *handlers) selectScript(c *gin.Context) {
	var choice scripts.Choice
	if err := c.ShouldBindJSON(&choice); err != nil {
		badRequest(c, domain.StageSelect, err)
		return
	}
	res, err := h.p.SelectScript(c.Request.Context(), c.Param("id"), choice)
	h.respond(c, res, err)
}

func (h *handlers) synthesize(c *gin.Context) {
	res, err := h.p.SynthesizeAudio(c.Request.Context(), c.Param("id"))
	h.respond(c, res, err)
}

func (h *handlers) regenerate(c *gin.Context) {
	res, err := h.p.RegenerateAudio(c.Request.Context(), c.Param("id"))
	h.respond(c, res, err)
}

func (h *handlers) uploadRecording(c *gin.Context) {
	rec, err := readUpload(c, "audio", voice.MaxRecordingBytes)
	if err != nil {
		badRequest(c, domain.StageSynthesize, err)
		return
	}
	res, err := h.p.UploadRecording(c.Request.Context(), c.Param("id"), rec)
	h.respond(c, res, err)
}

func (h *handlers) removeAudio(c *gin.Context) {
	res, err := h.p.RemoveAudio(c.Request.Context(), c.Param("id"))
	h.respond(c, res, err)
}

func (h *handlers) streamAudio(c *gin.Context) {
	r, asset, err := h.p.OpenAudio(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	defer r.Close()

	contentType := asset.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	c.Header("ETag", strconv.Quote(asset.ID))
	c.DataFromReader(http.StatusOK, asset.Size, contentType, r, nil)
}

func (h *handlers) publish(c *gin.Context) {
	var req struct {
		AllowTextOnly bool `json:"allow_text_only"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, domain.StagePublish, err)
			return
		}
	}
	res, err := h.p.Publish(c.Request.Context(), c.Param("id"), req.AllowTextOnly)
	h.respond(c, res, err)
}

func (h *handlers) registerVoice(c *gin.Context) {
	var req struct {
		VoiceID string `json:"voice_id" binding:"required"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, domain.StageVoice, err)
		return
	}
	v, err := h.p.RegisterVoice(c.Request.Context(), userID(c), req.VoiceID, req.Name)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *handlers) cloneVoice(c *gin.Context) {
	sample, err := readUpload(c, "sample", voice.MaxSampleBytes)
	if err != nil {
		badRequest(c, domain.StageVoice, err)
		return
	}
	v, err := h.p.CloneVoice(c.Request.Context(), userID(c), c.PostForm("name"), sample)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// readUpload reads a multipart file field. One byte over limit is kept so the
// pipeline's size check can reject it.
func readUpload(c *gin.Context, field string, limit int64) (voice.Sample, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return voice.Sample{}, err
	}
	f, err := file.Open()
	if err != nil {
		return voice.Sample{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return voice.Sample{}, err
	}
	return voice.Sample{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (h *handlers) activeVoice(c *gin.Context) {
	v, err := h.p.ActiveVoice(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handlers) previewVoice(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, domain.StageVoice, err)
		return
	}
	clip, err := h.p.PreviewVoice(c.Request.Context(), userID(c), req.Text)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	contentType := clip.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	c.Data(http.StatusOK, contentType, clip.Data)
}

func (h *handlers) generateAll(c *gin.Context) {
	var req struct {
		Bio string `json:"bio"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, domain.StageGenerate, err)
			return
		}
	}
	report, err := h.p.GenerateAll(c.Request.Context(), userID(c), req.Bio)
	h.respondBatch(c, report, err)
}

func (h *handlers) synthesizeAll(c *gin.Context) {
	report, err := h.p.SynthesizeAll(c.Request.Context(), userID(c))
	h.respondBatch(c, report, err)
}

func (h *handlers) respondBatch(c *gin.Context, report pipeline.BatchReport, err error) {
	if err != nil {
		writeError(c, err, nil)
		return
	}
	h.log.WithFields(logrus.Fields{
		"user_id":   userID(c),
		"succeeded": report.Succeeded(),
		"items":     len(report.Items),
	}).Info("Batch served")
	c.JSON(http.StatusOK, report)
}
