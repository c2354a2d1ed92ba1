package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
)

// FallbackReply is sent when every generative backend failed.
const FallbackReply = "I'm sorry, I'm having technical difficulties right now. Please try again in a moment, or contact our human support team for immediate assistance."

const (
	historyExchanges = 3
	promptProducts   = 5
	promptOrders     = 3
	promptDescChars  = 100
)

const assistantPersona = `You are Feelori's AI customer service assistant. You're helpful, friendly, and knowledgeable about Feelori's products.

Guidelines:
- Always be warm and professional
- Help customers find products, track orders, and answer questions
- If you don't know something specific, politely say so and offer to connect them with human support
- Keep responses concise, this is a WhatsApp chat

Store: Feelori (feelori.com)`

// PromptContext is store data the general handler looked up for the prompt.
type PromptContext struct {
	Products []entities.CatalogItem
	Orders   []entities.Order
}

// AIService tries each configured backend in order behind its own breaker.
type AIService struct {
	backends []interfaces.TextGenerator
	breakers *infrastructure.BreakerRegistry
	tracer   trace.Tracer
	logger   logrus.FieldLogger
}

func NewAIService(breakers *infrastructure.BreakerRegistry, logger logrus.FieldLogger, backends ...interfaces.TextGenerator) *AIService {
	return &AIService{
		backends: backends,
		breakers: breakers,
		tracer:   otel.Tracer("github.com/shanayatunk/feelori-whatsapp-chat/usecases"),
		logger:   logger,
	}
}

// Reply never fails: it falls back to FallbackReply.
func (s *AIService) Reply(ctx context.Context, text string, customer *entities.CustomerRecord, pc PromptContext) string {
	prompt := BuildPrompt(text, customer, pc)
	for _, backend := range s.backends {
		log := s.logger.WithFields(logrus.Fields{"module": "ai", "backend": backend.Name()})
		if !backend.Configured() {
			log.Debug("backend not configured, skipping")
			continue
		}

		var out string
		err := s.breakers.Get("ai:"+backend.Name()).Call(ctx, func(ctx context.Context) error {
			ctx, span := s.tracer.Start(ctx, "ai.generate", trace.WithAttributes(attribute.String("ai.backend", backend.Name())))
			defer span.End()

			reply, err := backend.Generate(ctx, assistantPersona, prompt)
			if err == nil && strings.TrimSpace(reply) == "" {
				err = errors.New("empty completion")
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "generation failed")
				return err
			}
			out = reply
			return nil
		})
		if err == nil {
			return strings.TrimSpace(out)
		}
		if errors.Is(err, infrastructure.ErrBreakerOpen) {
			log.Warn("breaker open, trying next backend")
		} else {
			log.WithError(err).Warn("generation failed, trying next backend")
		}
	}
	s.logger.WithField("module", "ai").Error("all generative backends failed")
	return FallbackReply
}

// BuildPrompt combines the last few exchanges, up to five matching products
// and three recent orders with the new message.
func BuildPrompt(text string, customer *entities.CustomerRecord, pc PromptContext) string {
	var b strings.Builder
	if history := customer.RecentHistory(historyExchanges); len(history) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, it := range history {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", it.Message, it.Reply)
		}
		b.WriteString("\n")
	}
	if len(pc.Products) > 0 {
		b.WriteString("Available products:\n")
		for _, item := range pc.Products[:min(len(pc.Products), promptProducts)] {
			fmt.Fprintf(&b, "- %s: %s", item.Title, formatPrice(item))
			if item.Description != "" {
				fmt.Fprintf(&b, " - %s", infrastructure.TruncateRunes(item.Description, promptDescChars))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(pc.Orders) > 0 {
		b.WriteString("Customer's recent orders:\n")
		for _, o := range pc.Orders[:min(len(pc.Orders), promptOrders)] {
			fmt.Fprintf(&b, "- Order %s: %s - %s %s\n", o.Name, o.FinancialStatus, o.TotalPrice.StringFixed(2), o.Currency)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Customer message: %s\n\nRespond helpfully and naturally:", text)
	return b.String()
}
