package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/customapi"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/obs/otel"
	"github.com/kirobox/kirobox/internal/pool"
	"github.com/kirobox/kirobox/internal/protocol"
	"github.com/kirobox/kirobox/internal/stream"
	"github.com/kirobox/kirobox/internal/tokencount"
	"github.com/kirobox/kirobox/internal/typ"
)

// Scenario labels for metrics and the debug sink.
const (
	scenarioOpenAI     = "openai"
	scenarioAnthropic  = "anthropic"
	scenarioClaudeCode = "claude_code"
)

// exchange carries one request through the pipeline.
type exchange struct {
	scenario string
	format   wireFormat
	buffered bool
	request  *typ.ChatRequest
	rawBody  []byte
	start    time.Time
}

// ChatCompletions handles POST /v1/chat/completions.
func (s *Server) ChatCompletions(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeWireError(c, formatOpenAI, http.StatusBadRequest, errTypeInvalidRequest,
			"failed to read request body: "+err.Error())
		return
	}

	var req protocol.OpenAIChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeWireError(c, formatOpenAI, http.StatusBadRequest, errTypeInvalidRequest,
			"invalid request body: "+err.Error())
		return
	}

	s.dispatch(c, &exchange{
		scenario: scenarioOpenAI,
		format:   formatOpenAI,
		request:  protocol.FromOpenAI(&req),
		rawBody:  body,
		start:    time.Now(),
	})
}

// AnthropicMessages handles POST /v1/messages.
func (s *Server) AnthropicMessages(c *gin.Context) {
	s.handleAnthropic(c, scenarioAnthropic, false)
}

// AnthropicMessagesBuffered handles POST /cc/v1/messages. Streamed
// responses are buffered to completion before replay so the closing usage
// numbers are exact.
func (s *Server) AnthropicMessagesBuffered(c *gin.Context) {
	s.handleAnthropic(c, scenarioClaudeCode, true)
}

func (s *Server) handleAnthropic(c *gin.Context, scenario string, buffered bool) {
	body, err := c.GetRawData()
	if err != nil {
		writeWireError(c, formatAnthropic, http.StatusBadRequest, errTypeInvalidRequest,
			"failed to read request body: "+err.Error())
		return
	}

	var req protocol.AnthropicMessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeWireError(c, formatAnthropic, http.StatusBadRequest, errTypeInvalidRequest,
			"invalid request body: "+err.Error())
		return
	}

	s.dispatch(c, &exchange{
		scenario: scenario,
		format:   formatAnthropic,
		buffered: buffered,
		request:  protocol.FromAnthropic(&req),
		rawBody:  body,
		start:    time.Now(),
	})
}

// dispatch validates the normalized request, picks who serves it, and
// routes to the upstream or delegated path.
func (s *Server) dispatch(c *gin.Context, ex *exchange) {
	if ex.request.Model == "" {
		writeWireError(c, ex.format, http.StatusBadRequest, errTypeInvalidRequest, "model is required")
		return
	}
	if len(ex.request.Messages) == 0 {
		writeWireError(c, ex.format, http.StatusBadRequest, errTypeInvalidRequest, "messages must not be empty")
		return
	}

	sel, err := s.allocator.Pick(clientUserID(c), ex.request.Model)
	if err != nil {
		logrus.Warnf("Allocation failed for model %s: %v", ex.request.Model, err)
		s.replyError(c, ex, err)
		s.finish(c, ex, nil, tokencount.Usage{}, false, err)
		return
	}

	if sel.Delegated() {
		s.serveDelegated(c, ex, sel)
		return
	}
	s.serveUpstream(c, ex, sel)
}

// serveUpstream builds the upstream payload and runs the exchange through
// the streaming engine in whichever of its four shapes the request asked
// for.
func (s *Server) serveUpstream(c *gin.Context, ex *exchange, sel *pool.Selection) {
	profileArn := sel.Manager.ProfileArn()
	if profileArn == "" {
		profileArn = s.settings.GetProfileArn()
	}

	thinking := ex.request.ThinkingRequested()
	payload := kiro.BuildPayload(ex.request, kiro.BuildOptions{
		ModelID:         s.catalog.InternalModelID(ex.request.Model),
		ProfileArn:      profileArn,
		ThinkingEnabled: thinking,
		ToolDescMaxLen:  s.settings.GetToolDescMaxLength(),
	})
	open := func(ctx context.Context) (*http.Response, error) {
		return s.upstream.Send(ctx, sel.Manager, payload)
	}

	engine := stream.NewEngine(stream.Options{
		Model:                ex.request.Model,
		Request:              ex.request,
		Catalog:              s.catalog,
		ThinkingEnabled:      thinking,
		FirstTokenTimeout:    s.settings.GetFirstTokenTimeout(),
		FirstTokenMaxRetries: s.settings.GetFirstTokenMaxRetries(),
		ReadTimeout:          s.settings.GetStreamReadTimeout(),
	})

	var (
		doc map[string]any
		res *stream.Result
		err error
	)
	switch {
	case ex.request.Stream && ex.format == formatAnthropic && ex.buffered:
		res, err = engine.StreamAnthropicBuffered(c, open)
	case ex.request.Stream && ex.format == formatAnthropic:
		res, err = engine.StreamAnthropic(c, open)
	case ex.request.Stream:
		res, err = engine.StreamOpenAI(c, open)
	case ex.format == formatAnthropic:
		doc, res, err = engine.CollectAnthropic(c.Request.Context(), open)
	default:
		doc, res, err = engine.CollectOpenAI(c.Request.Context(), open)
	}

	if err != nil {
		s.replyError(c, ex, err)
		s.finish(c, ex, sel, tokencount.Usage{}, false, err)
		return
	}
	if doc != nil {
		c.JSON(http.StatusOK, doc)
	}
	s.finish(c, ex, sel, res.Usage, res.Completed, nil)
}

// serveDelegated forwards the exchange to the selected external account.
// The buffered flag has no delegated variant; those requests stream plain.
func (s *Server) serveDelegated(c *gin.Context, ex *exchange, sel *pool.Selection) {
	d := &customapi.Delegation{
		Account: sel.Account,
		Request: ex.request,
	}
	if ex.format == formatAnthropic {
		d.RawAnthropic = ex.rawBody
	}

	var (
		doc map[string]any
		res *customapi.Result
		err error
	)
	switch {
	case ex.request.Stream && ex.format == formatAnthropic:
		res, err = s.delegate.StreamAnthropic(c, d)
	case ex.request.Stream:
		res, err = s.delegate.StreamOpenAI(c, d)
	case ex.format == formatAnthropic:
		doc, res, err = s.delegate.CollectAnthropic(c.Request.Context(), d)
	default:
		doc, res, err = s.delegate.CollectOpenAI(c.Request.Context(), d)
	}

	if err != nil {
		s.replyError(c, ex, err)
		s.finish(c, ex, sel, tokencount.Usage{}, false, err)
		return
	}
	if doc != nil {
		c.JSON(http.StatusOK, doc)
	}
	s.finish(c, ex, sel, res.Usage, res.Completed, nil)
}

// finish records one exchange everywhere it counts: credential or account
// counters, the metrics tracker, and the debug sink for failures. A stream
// that died mid-response counts as a failure even though the wire already
// carried its error; a client disconnect counts against nobody.
func (s *Server) finish(c *gin.Context, ex *exchange, sel *pool.Selection, usage tokencount.Usage, completed bool, opErr error) {
	canceled := c.Request.Context().Err() != nil
	if opErr == nil && !completed && !canceled {
		opErr = errStreamInterrupted
	}

	if !canceled {
		s.allocator.RecordOutcome(sel, opErr)
	}

	status := "success"
	code := ""
	switch {
	case canceled:
		status = "canceled"
		opErr = nil
	case opErr != nil:
		status = "error"
		code = errorCode(opErr)
	}

	servedModel := ex.request.Model
	accountKind := "credential"
	var accountID uint
	if sel != nil {
		switch {
		case sel.Account != nil:
			accountKind = "external"
			accountID = sel.Account.ID
		case sel.Credential != nil:
			servedModel = s.catalog.InternalModelID(ex.request.Model)
			accountID = sel.Credential.ID
		}
	}

	s.tracker.RecordUsage(c.Request.Context(), otel.UsageOptions{
		Model:            servedModel,
		RequestModel:     ex.request.Model,
		Scenario:         ex.scenario,
		AccountKind:      accountKind,
		CredentialID:     accountID,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		TokenCountMethod: usage.Source,
		Streamed:         ex.request.Stream,
		Status:           status,
		ErrorCode:        code,
		LatencyMs:        time.Since(ex.start).Milliseconds(),
	})

	if opErr != nil {
		s.sink.Record(ex.scenario, ex.request.Model, json.RawMessage(ex.rawBody), nil,
			time.Since(ex.start), opErr.Error())
	}
}
