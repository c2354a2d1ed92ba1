package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
)

// WhatsApp Cloud API limits.
const (
	MaxTextLength        = 4096
	MaxListRows          = 10
	MaxListRowTitle      = 24
	MaxListRowDesc       = 55
	MaxListButton        = 20
	MaxListBody          = 1024
	MaxListHeader        = 60
	MaxListFooter        = 60
	MaxListRowID         = 200
	graphAuthErrorCode   = 190
	maxErrorBodyReadSize = 64 << 10
)

const tracerName = "github.com/shanayatunk/feelori-whatsapp-chat"

type WhatsAppBusinessClient struct {
	httpClient    *http.Client
	apiBase       string
	accessToken   string
	phoneNumberID string
	breaker       *CircuitBreaker
	alerter       interfaces.Alerter
	tracer        trace.Tracer
	logger        logrus.FieldLogger
}

func NewWhatsAppBusinessClient(httpClient *http.Client, apiBase, accessToken, phoneNumberID string,
	breaker *CircuitBreaker, alerter interfaces.Alerter, logger logrus.FieldLogger) *WhatsAppBusinessClient {
	return &WhatsAppBusinessClient{
		httpClient:    httpClient,
		apiBase:       strings.TrimRight(apiBase, "/"),
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		breaker:       breaker,
		alerter:       alerter,
		tracer:        otel.Tracer(tracerName),
		logger:        logger.WithField("module", "whatsapp"),
	}
}

// NormalizeRecipient strips everything but digits; the Graph API wants a bare MSISDN.
func NormalizeRecipient(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TruncateRunes shortens s to at most n characters without splitting a rune.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n > 1 {
		return string(runes[:n-1]) + "…"
	}
	return string(runes[:n])
}

func (w *WhatsAppBusinessClient) SendText(ctx context.Context, to, text string) entities.DeliveryResult {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                NormalizeRecipient(to),
		"type":              "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        TruncateRunes(text, MaxTextLength),
		},
	}
	return w.send(ctx, "text", payload)
}

func (w *WhatsAppBusinessClient) SendList(ctx context.Context, to string, list entities.ListMessage) entities.DeliveryResult {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                NormalizeRecipient(to),
		"type":              "interactive",
		"interactive":       BuildListInteractive(list),
	}
	return w.send(ctx, "interactive", payload)
}

// BuildListInteractive renders list within the platform's item and length limits.
func BuildListInteractive(list entities.ListMessage) map[string]interface{} {
	button := list.Button
	if button == "" {
		button = "View options"
	}
	remaining := MaxListRows
	sections := make([]entities.ListSection, 0, len(list.Sections))
	for _, sec := range list.Sections {
		if remaining == 0 {
			break
		}
		rows := sec.Rows
		if len(rows) > remaining {
			rows = rows[:remaining]
		}
		remaining -= len(rows)
		capped := make([]entities.ListRow, 0, len(rows))
		for _, row := range rows {
			capped = append(capped, entities.ListRow{
				ID:          TruncateRunes(row.ID, MaxListRowID),
				Title:       TruncateRunes(row.Title, MaxListRowTitle),
				Description: TruncateRunes(row.Description, MaxListRowDesc),
			})
		}
		if len(capped) == 0 {
			continue
		}
		sections = append(sections, entities.ListSection{
			Title: TruncateRunes(sec.Title, MaxListRowTitle),
			Rows:  capped,
		})
	}

	interactive := map[string]interface{}{
		"type": "list",
		"body": map[string]string{"text": TruncateRunes(list.Body, MaxListBody)},
		"action": map[string]interface{}{
			"button":   TruncateRunes(button, MaxListButton),
			"sections": sections,
		},
	}
	if list.Header != "" {
		interactive["header"] = map[string]string{"type": "text", "text": TruncateRunes(list.Header, MaxListHeader)}
	}
	if list.Footer != "" {
		interactive["footer"] = map[string]string{"text": TruncateRunes(list.Footer, MaxListFooter)}
	}
	return interactive
}

func (w *WhatsAppBusinessClient) send(ctx context.Context, kind string, payload map[string]interface{}) entities.DeliveryResult {
	ctx, span := w.tracer.Start(ctx, "whatsapp.send", trace.WithAttributes(attribute.String("message.type", kind)))
	defer span.End()

	to, _ := payload["to"].(string)
	log := w.logger.WithFields(logrus.Fields{"to": to, "type": kind})
	if to == "" {
		return entities.DeliveryResult{Failure: entities.FailureClient, Err: errors.New("empty recipient")}
	}

	var result entities.DeliveryResult
	err := w.breaker.Call(ctx, func(ctx context.Context) error {
		result = w.post(ctx, payload)
		switch {
		case result.OK:
			return nil
		case result.Failure == entities.FailureClient && result.StatusCode != http.StatusTooManyRequests:
			return Neutral(result.Err)
		default:
			return result.Err
		}
	})
	if errors.Is(err, ErrBreakerOpen) {
		result = entities.DeliveryResult{Failure: entities.FailureUnavailable, Err: err}
	}
	if result.OK {
		return result
	}

	span.RecordError(result.Err)
	span.SetStatus(codes.Error, result.Failure.String())
	log = log.WithFields(logrus.Fields{"failure": result.Failure.String(), "status": result.StatusCode})
	switch {
	case result.Failure == entities.FailureAuth:
		log.WithError(result.Err).Error("whatsapp credentials rejected")
		w.alerter.Alert(ctx, "critical", "WhatsApp authentication failed",
			fmt.Sprintf("status %d: %v", result.StatusCode, result.Err))
	case result.StatusCode == http.StatusTooManyRequests:
		log.Warn("whatsapp rate limited the send")
	default:
		log.WithError(result.Err).Error("whatsapp send failed")
	}
	return result
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type graphSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (w *WhatsAppBusinessClient) post(ctx context.Context, payload map[string]interface{}) entities.DeliveryResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return entities.DeliveryResult{Failure: entities.FailureClient, Err: err}
	}
	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return entities.DeliveryResult{Failure: entities.FailureClient, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+w.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		kind := entities.KindOf(err)
		return entities.DeliveryResult{Failure: kind, Err: &entities.UpstreamError{Service: "whatsapp", Kind: kind, Err: err}}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadSize))

	if resp.StatusCode >= 400 {
		kind := entities.ClassifyStatus(resp.StatusCode)
		msg := strings.TrimSpace(string(body))
		var ge graphError
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			msg = ge.Error.Message
			if ge.Error.Code == graphAuthErrorCode {
				kind = entities.FailureAuth
			}
		}
		return entities.DeliveryResult{
			Failure:    kind,
			StatusCode: resp.StatusCode,
			Err: &entities.UpstreamError{
				Service: "whatsapp", Kind: kind, StatusCode: resp.StatusCode, Err: errors.New(msg),
			},
		}
	}

	var ok graphSendResponse
	_ = json.Unmarshal(body, &ok)
	result := entities.DeliveryResult{OK: true, StatusCode: resp.StatusCode}
	if len(ok.Messages) > 0 {
		result.MessageID = ok.Messages[0].ID
	}
	return result
}
