package api

import (
	"encoding/json"
	"net/http"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/workflow"
	"github.com/gin-gonic/gin"
)

type emitInput struct {
	Kind    string          `json:"kind" binding:"required"`
	Series  int             `json:"series"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type justificationInput struct {
	Justification string `json:"justification" binding:"required"`
}

type correctionInput struct {
	Text string `json:"text" binding:"required"`
}

type closeInput struct {
	ClosingJurisdiction string `json:"closing_jurisdiction" binding:"required"`
}

type invalidationInput struct {
	Kind          string `json:"kind"`
	Series        int    `json:"series"`
	Start         int64  `json:"start" binding:"required"`
	End           int64  `json:"end" binding:"required"`
	Justification string `json:"justification" binding:"required"`
}

func (h *Handler) emit(c *gin.Context) {
	var in emitInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	kind, err := models.ParseDocumentKind(in.Kind)
	if err != nil {
		abortWithError(c, models.NewValidationError("%v", err), nil)
		return
	}
	payload, err := models.DecodePayload(kind, in.Payload)
	if err != nil {
		abortWithError(c, models.NewValidationError("%v", err), nil)
		return
	}

	doc, err := h.Controller.Emit(requestContext(c), scopeOf(c), workflow.EmitRequest{
		Kind:    kind,
		Series:  in.Series,
		Payload: payload,
	})
	if err != nil {
		var extra gin.H
		if doc != nil {
			extra = gin.H{"document": doc}
		}
		abortWithError(c, err, extra)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) getDocument(c *gin.Context) {
	doc, err := h.Controller.Document(requestContext(c), scopeOf(c), c.Param("documentId"))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) cancel(c *gin.Context) {
	var in justificationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	doc, err := h.Controller.Cancel(requestContext(c), scopeOf(c), c.Param("documentId"), in.Justification)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) correct(c *gin.Context) {
	var in correctionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ev, err := h.Controller.Correct(requestContext(c), scopeOf(c), c.Param("documentId"), in.Text)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *Handler) listCorrections(c *gin.Context) {
	events, err := h.Controller.Corrections(requestContext(c), scopeOf(c), c.Param("documentId"))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrections": events})
}

func (h *Handler) close(c *gin.Context) {
	var in closeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	doc, err := h.Controller.Close(requestContext(c), scopeOf(c), c.Param("documentId"), in.ClosingJurisdiction)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) invalidateRange(c *gin.Context) {
	var in invalidationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	var kind models.DocumentKind
	if in.Kind != "" {
		k, err := models.ParseDocumentKind(in.Kind)
		if err != nil {
			abortWithError(c, models.NewValidationError("%v", err), nil)
			return
		}
		kind = k
	}
	inv, err := h.Controller.InvalidateRange(requestContext(c), scopeOf(c), workflow.InvalidateRangeRequest{
		Kind:          kind,
		Series:        in.Series,
		Start:         in.Start,
		End:           in.End,
		Justification: in.Justification,
	})
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (h *Handler) checkStatus(c *gin.Context) {
	kind, err := models.ParseDocumentKind(c.Param("kind"))
	if err != nil {
		abortWithError(c, models.NewValidationError("%v", err), nil)
		return
	}
	status, err := h.Controller.CheckStatus(requestContext(c), scopeOf(c), kind)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, status)
}
