// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orderbot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/dispatch"
	"github.com/AleutianAI/orderbot/services/orderbot/ingress"
	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
)

const requestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// MessageRequest is the body of POST /v1/orderbot/messages.
type MessageRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Text           string `json:"text" binding:"required"`
}

// MessageResponse is the reply to a MessageRequest.
type MessageResponse struct {
	Reply     dispatch.FinalReply `json:"reply"`
	RequestID string              `json:"request_id"`
}

// HealthResponse reports readiness.
type HealthResponse struct {
	Status   string   `json:"status"`
	Products int      `json:"products"`
	Tools    []string `json:"tools"`
	Storage  string   `json:"storage"`
}

// wsMessage is one client frame on the chat socket.
type wsMessage struct {
	Text string `json:"text"`
}

// wsReply is one server frame on the chat socket.
type wsReply struct {
	Action         string               `json:"action"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Reply          *dispatch.FinalReply `json:"reply,omitempty"`
	Error          string               `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers serves the orderbot HTTP endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc *Service) *Handlers {
	if svc == nil {
		panic("orderbot.NewHandlers: service must not be nil")
	}
	return &Handlers{svc: svc, logger: svc.logger}
}

// HandleWebhook handles POST /v1/orderbot/webhook.
//
// Description:
//
//	Receives a form-encoded inbound message from the messaging provider,
//	checks its signature, admits it through the ingress gate and answers
//	with TwiML. Duplicate deliveries get an empty response. A turn cut short
//	because the provider hung up releases its claim so the redelivery is
//	processed.
//
// Response:
//
//	200 OK: TwiML document (possibly empty)
//	400 Bad Request: Unparseable form
//	403 Forbidden: Missing or invalid signature
func (h *Handlers) HandleWebhook(c *gin.Context) {
	logger := h.requestLogger(c, "HandleWebhook")

	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid form body", Code: "INVALID_FORM"})
		return
	}
	form := c.Request.PostForm

	if h.svc.cfg.Ingress.ValidateSignature {
		if err := h.verifySignature(c); err != nil {
			logger.Warn("webhook signature rejected", slog.String("error", err.Error()))
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "signature verification failed", Code: "INVALID_SIGNATURE"})
			return
		}
	}

	msg := ingress.ParseForm(form)
	ctx := c.Request.Context()
	decision, err := h.svc.Gate.Admit(ctx, msg)
	if err != nil {
		logger.Error("ingress admission failed", slog.String("error", err.Error()))
		h.writeTwiML(c, dispatch.TextReply(dispatch.ErrorReply))
		return
	}

	switch decision.Verdict {
	case ingress.Duplicate, ingress.Empty:
		h.writeTwiML(c, dispatch.FinalReply{})
		return
	case ingress.RateLimited:
		h.writeTwiML(c, dispatch.TextReply(ingress.RateLimitedReply))
		return
	}

	reply, err := h.svc.Reply(ctx, msg.From, msg.Body)
	if err != nil {
		logger.Error("turn failed",
			slog.String("conversation", telemetry.MaskID(msg.From)),
			slog.String("error", llm.SafeLogString(err.Error())),
		)
		if errors.Is(err, context.Canceled) {
			h.svc.Gate.Forget(context.WithoutCancel(ctx), msg)
		}
	}
	h.writeTwiML(c, reply)
}

// verifySignature checks the provider signature against the public URL, or
// the URL reconstructed from the request when none is configured.
func (h *Handlers) verifySignature(c *gin.Context) error {
	token, err := h.svc.secrets.GetSecret(c.Request.Context(), h.svc.cfg.Ingress.AuthTokenSecret)
	if err != nil {
		return err
	}
	return ingress.VerifySignature(token, h.webhookURL(c), c.Request.PostForm, c.GetHeader(ingress.SignatureHeader))
}

func (h *Handlers) webhookURL(c *gin.Context) string {
	if u := h.svc.cfg.Ingress.PublicURL; u != "" {
		return u
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}

func (h *Handlers) writeTwiML(c *gin.Context, reply dispatch.FinalReply) {
	var r *dispatch.FinalReply
	if reply.Type != "" {
		r = &reply
	}
	body, err := renderTwiML(r)
	if err != nil {
		h.logger.Error("rendering TwiML failed", slog.String("error", err.Error()))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", body)
}

// HandleMessage handles POST /v1/orderbot/messages.
//
// Description:
//
//	JSON entry point for integrations and tests. Applies the per-sender
//	rate limit but no duplicate suppression, since there is no message id.
//
// Response:
//
//	200 OK: MessageResponse
//	400 Bad Request: Missing conversation_id or text
//	429 Too Many Requests: Sender over the limit
//	500 Internal Server Error: Turn failed; body still carries the reply
func (h *Handlers) HandleMessage(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.requestLogger(c, "HandleMessage")

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	ctx := c.Request.Context()
	decision, err := h.svc.Gate.Admit(ctx, ingress.Inbound{From: req.ConversationID, Body: strings.TrimSpace(req.Text)})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "admission failed", Code: "INGRESS_ERROR"})
		return
	}
	switch decision.Verdict {
	case ingress.RateLimited:
		c.Header("Retry-After", retryAfterSeconds(decision.RetryAfter))
		c.JSON(http.StatusTooManyRequests, MessageResponse{Reply: dispatch.TextReply(ingress.RateLimitedReply), RequestID: requestID})
		return
	case ingress.Empty:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "text is empty", Code: "EMPTY_MESSAGE"})
		return
	}

	reply, err := h.svc.Reply(ctx, req.ConversationID, req.Text)
	status := http.StatusOK
	if err != nil {
		logger.Error("turn failed", slog.String("error", llm.SafeLogString(err.Error())))
		status = http.StatusInternalServerError
	}
	c.JSON(status, MessageResponse{Reply: reply, RequestID: requestID})
}

// HandleWebSocket handles GET /v1/orderbot/ws.
//
// Description:
//
//	Upgrades to a WebSocket chat. The conversation id comes from the
//	conversation_id query parameter, or a fresh one is generated and
//	announced in the first frame. Each client frame is one turn.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		conversationID = "ws-" + uuid.NewString()
	}
	logger := h.logger.With(slog.String("conversation", telemetry.MaskID(conversationID)))
	logger.Info("websocket chat connected")

	if err := ws.WriteJSON(wsReply{Action: "session_created", ConversationID: conversationID}); err != nil {
		return
	}

	ctx := c.Request.Context()
	for {
		var in wsMessage
		if err := ws.ReadJSON(&in); err != nil {
			logger.Info("websocket chat disconnected", slog.String("error", err.Error()))
			return
		}
		out := wsReply{Action: "reply"}

		decision, err := h.svc.Gate.Admit(ctx, ingress.Inbound{From: conversationID, Body: strings.TrimSpace(in.Text)})
		switch {
		case err != nil:
			r := dispatch.TextReply(dispatch.ErrorReply)
			out.Reply, out.Error = &r, "admission failed"
		case decision.Verdict == ingress.Empty:
			out.Action, out.Error = "error", "text is empty"
		case decision.Verdict == ingress.RateLimited:
			r := dispatch.TextReply(ingress.RateLimitedReply)
			out.Reply = &r
		default:
			r, err := h.svc.Reply(ctx, conversationID, in.Text)
			out.Reply = &r
			if err != nil {
				out.Error = "turn failed"
				logger.Error("turn failed", slog.String("error", llm.SafeLogString(err.Error())))
			}
		}
		if err := ws.WriteJSON(out); err != nil {
			logger.Warn("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// HandleHealth handles GET /v1/orderbot/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Products: len(h.svc.Catalog.Products()),
		Tools:    h.svc.Tools.Names(),
		Storage:  h.svc.cfg.Storage.Backend,
	})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	l := h.logger.With(slog.String("request_id", getOrCreateRequestID(c)), slog.String("handler", handler))
	return telemetry.LoggerWithTrace(c.Request.Context(), l)
}

// getOrCreateRequestID returns the inbound request id or assigns one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDHeader); id != "" {
		return id
	}
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDHeader, id)
	c.Header(requestIDHeader, id)
	return id
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
