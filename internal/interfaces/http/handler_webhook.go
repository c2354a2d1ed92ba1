package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
)

const (
	maxWebhookBody  = 1 << 20
	signatureHeader = "X-Hub-Signature-256"

	businessAccountObject = "whatsapp_business_account"
	messagesField         = "messages"
)

// SecurityLog records security-relevant events.
type SecurityLog interface {
	LogSecurityEvent(ctx context.Context, kind, ip, detail string)
}

type WebhookHandler struct {
	secret       string
	verifyToken  string
	queue        interfaces.MessageQueue
	phoneLimiter interfaces.Limiter
	ipLimiter    interfaces.Limiter
	security     SecurityLog
	logger       logrus.FieldLogger
}

func NewWebhookHandler(secret, verifyToken string, queue interfaces.MessageQueue, phoneLimiter, ipLimiter interfaces.Limiter,
	security SecurityLog, logger logrus.FieldLogger) *WebhookHandler {
	return &WebhookHandler{
		secret:       secret,
		verifyToken:  verifyToken,
		queue:        queue,
		phoneLimiter: phoneLimiter,
		ipLimiter:    ipLimiter,
		security:     security,
		logger:       logger.WithField("module", "webhook"),
	}
}

// Verify answers the platform's subscription handshake.
func (h *WebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.verifyToken {
		h.logger.Info("webhook verified")
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(challenge))
		return
	}
	h.security.LogSecurityEvent(c.Request.Context(), entities.EventVerifyTokenFail, c.ClientIP(), "webhook verification rejected")
	c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
}

// Receive verifies, validates and enqueues a batch of inbound messages.
func (h *WebhookHandler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	if !VerifySignature(body, c.GetHeader(signatureHeader), h.secret) {
		h.security.LogSecurityEvent(ctx, entities.EventBadSignature, ip, "webhook signature mismatch")
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	if !h.ipLimiter.Allow(ctx, "webhook:"+ip) {
		h.security.LogSecurityEvent(ctx, entities.EventIPRateLimited, ip, "webhook rate limit exceeded")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	processed := 0
	if payload.Object != businessAccountObject {
		h.logger.WithField("object", payload.Object).Debug("ignoring non-whatsapp webhook")
		c.JSON(http.StatusOK, gin.H{"status": "success", "processed": processed})
		return
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != messagesField {
				continue
			}
			names := change.Value.contactNames()
			for _, m := range change.Value.Messages {
				if h.accept(ctx, m, names) {
					processed++
				}
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "processed": processed})
}

// accept validates, throttles and enqueues one message. Rejections are logged and skipped.
func (h *WebhookHandler) accept(ctx context.Context, m webhookMessage, names map[string]string) bool {
	log := h.logger.WithFields(logrus.Fields{"message_id": m.ID, "type": m.Type})

	phone, err := SanitizePhone(m.From)
	if err != nil {
		log.WithError(err).Warn("dropping message with invalid sender")
		return false
	}
	log = log.WithField("phone", phone)

	text, kind, err := m.content()
	if err != nil {
		log.WithError(err).Warn("dropping unsupported message")
		return false
	}
	if text, err = ValidateMessageContent(text); err != nil {
		log.WithError(err).Warn("dropping invalid message content")
		return false
	}

	if !h.phoneLimiter.Allow(ctx, "phone:"+phone) {
		log.Warn("sender rate limited, message dropped")
		return false
	}

	msg := entities.InboundMessage{
		ID:          m.ID,
		SenderID:    phone,
		ContactName: names[m.From],
		Text:        text,
		Kind:        kind,
		ReceivedAt:  m.receivedAt(),
	}
	entryID, err := h.queue.Enqueue(ctx, msg)
	if err != nil {
		log.WithError(err).Error("failed to enqueue message")
		return false
	}
	log.WithField("entry_id", entryID).Info("message queued")
	return true
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
}

func (v webhookValue) contactNames() map[string]string {
	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[c.WaID] = c.Profile.Name
	}
	return names
}

type replyPart struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type mediaPart struct {
	Caption string `json:"caption"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string     `json:"type"`
		ListReply   *replyPart `json:"list_reply"`
		ButtonReply *replyPart `json:"button_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Image    *mediaPart `json:"image"`
	Video    *mediaPart `json:"video"`
	Document *mediaPart `json:"document"`
	Audio    *mediaPart `json:"audio"`
	Sticker  *mediaPart `json:"sticker"`
}

var errUnsupportedMessage = errors.New("unsupported message type")

// content extracts the routable text of a message and its kind.
func (m webhookMessage) content() (string, entities.MessageKind, error) {
	switch m.Type {
	case "text":
		if m.Text == nil {
			return "", "", errUnsupportedMessage
		}
		return m.Text.Body, entities.KindText, nil
	case "interactive":
		if m.Interactive == nil {
			return "", "", errUnsupportedMessage
		}
		if r := m.Interactive.ListReply; r != nil {
			return r.ID, entities.KindListReply, nil
		}
		if r := m.Interactive.ButtonReply; r != nil {
			return r.ID, entities.KindButtonReply, nil
		}
		return "", "", errUnsupportedMessage
	case "button":
		if m.Button == nil {
			return "", "", errUnsupportedMessage
		}
		if m.Button.Payload != "" {
			return m.Button.Payload, entities.KindButtonReply, nil
		}
		return m.Button.Text, entities.KindText, nil
	case "image", "video", "document", "audio", "sticker":
		if part := m.media(); part != nil && part.Caption != "" {
			return part.Caption, entities.KindMedia, nil
		}
		return fmt.Sprintf("[%s]", m.Type), entities.KindMedia, nil
	}
	return "", "", fmt.Errorf("%w: %q", errUnsupportedMessage, m.Type)
}

func (m webhookMessage) media() *mediaPart {
	switch m.Type {
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "document":
		return m.Document
	case "audio":
		return m.Audio
	case "sticker":
		return m.Sticker
	}
	return nil
}

func (m webhookMessage) receivedAt() time.Time {
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}
