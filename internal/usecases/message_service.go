package usecases

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/config"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
)

// ApologyReply replaces the reply of a handler that failed.
const ApologyReply = "I'm sorry, something went wrong while handling your message. Please try again in a moment."

const (
	searchLimit      = 5
	maxOrdersShown   = 3
	maxDetailChars   = 300
	greetingNew      = "Hello! Welcome to Feelori! 👋\n\nI'm your shopping assistant. I can help you:\n• Find products (try \"show me necklaces\")\n• Track your orders\n• Answer questions about sizes and prices\n\nWhat are you looking for today?"
	greetingBack     = "Welcome back to Feelori%s! 👋\n\nGood to see you again. What can I help you find today?"
	supportReply     = "For detailed assistance, you can:\n• Email us at support@feelori.com\n• Visit feelori.com/pages/contact\n• Reply here with your order number and question\n\nOur team usually answers within a few hours."
	thanksReply      = "You're welcome! 😊 Is there anything else I can help you with?"
	sizeGuideReply   = "📏 *Size guide*\n\n• Rings: 6 (16.5mm), 7 (17.3mm), 8 (18.2mm)\n• Bangles: 2.4, 2.6 and 2.8 inch inner diameter\n• Necklaces: 16\" choker, 18\" standard, 24\" long\n\nNot sure about your size? Reply *support* and we'll help you pick."
	unavailableReply = "Sorry, that product is no longer available. Try searching for something similar!"
)

// MessageDeps are the collaborators of MessageService.
type MessageDeps struct {
	Messenger interfaces.Messenger
	Catalog   interfaces.Catalog
	AI        *AIService
	Customers *CustomerService
	Processed interfaces.ProcessedTracker
	Locker    interfaces.SenderLocker
	Usage     interfaces.UsageCounter
	Alerter   interfaces.Alerter
	Logger    logrus.FieldLogger
}

// MessageService turns one queued message into one delivered reply.
type MessageService struct {
	messenger interfaces.Messenger
	catalog   interfaces.Catalog
	ai        *AIService
	customers *CustomerService
	processed interfaces.ProcessedTracker
	locker    interfaces.SenderLocker
	usage     interfaces.UsageCounter
	alerter   interfaces.Alerter
	logger    logrus.FieldLogger
}

func NewMessageService(d MessageDeps) *MessageService {
	return &MessageService{
		messenger: d.Messenger,
		catalog:   d.Catalog,
		ai:        d.AI,
		customers: d.Customers,
		processed: d.Processed,
		locker:    d.Locker,
		usage:     d.Usage,
		alerter:   d.Alerter,
		logger:    d.Logger,
	}
}

// Process handles a dequeued entry end to end. An entry whose reply was
// already delivered is skipped so redelivery does not double-reply.
func (s *MessageService) Process(ctx context.Context, entry *entities.QueueEntry) error {
	msg := entry.Message
	log := s.logger.WithFields(logrus.Fields{"module": "messages", "entry_id": entry.EntryID, "message_id": msg.ID, "phone": msg.SenderID})

	if s.processed.Seen(ctx, msg.ID) {
		log.Info("message already answered, skipping redelivery")
		return nil
	}

	release := s.locker.Lock(ctx, msg.SenderID)
	defer release()
	// a concurrent copy may have answered while we waited on the lock
	if s.processed.Seen(ctx, msg.ID) {
		log.Info("message answered while waiting for sender lock, skipping")
		return nil
	}

	s.usage.IncrementReceived(ctx)
	customer := s.customers.GetOrCreate(ctx, msg.SenderID)
	if customer.Name == "" {
		customer.Name = msg.ContactName
	}

	intent := Classify(msg.Text, msg.Kind)
	reply := s.Route(ctx, intent, msg, customer)
	log = log.WithField("intent", intent)

	result := s.deliver(ctx, msg.SenderID, reply)
	if !result.OK {
		return fmt.Errorf("deliver reply (%s): %w", result.Failure, result.Err)
	}
	log.WithField("wa_message_id", result.MessageID).Info("reply delivered")

	s.usage.IncrementSent(ctx)
	s.customers.RecordExchange(ctx, customer, msg.Text, reply.Text)
	s.processed.MarkProcessed(ctx, msg.ID)
	return nil
}

// deliver sends a list when one is attached, downgrading to plain text if
// the platform rejects the list as a client error.
func (s *MessageService) deliver(ctx context.Context, to string, reply entities.Reply) entities.DeliveryResult {
	if reply.List != nil {
		result := s.messenger.SendList(ctx, to, *reply.List)
		if result.OK || result.Failure != entities.FailureClient {
			return result
		}
		s.logger.WithFields(logrus.Fields{"module": "messages", "phone": to, "status": result.StatusCode}).
			Warn("list message rejected, sending as text")
	}
	return s.messenger.SendText(ctx, to, reply.Text)
}

type handlerFunc func(ctx context.Context, msg entities.InboundMessage, customer *entities.CustomerRecord) (entities.Reply, error)

func (s *MessageService) handlerFor(intent Intent) handlerFunc {
	switch intent {
	case IntentGreeting:
		return s.handleGreeting
	case IntentProductSearch:
		return s.handleProductSearch
	case IntentProductDetail:
		return s.handleProductDetail
	case IntentOrderInquiry:
		return s.handleOrderInquiry
	case IntentSupport:
		return s.handleSupport
	case IntentThanks:
		return s.handleThanks
	case IntentSize:
		return s.handleSize
	case IntentPrice:
		return s.handlePrice
	default:
		return s.handleGeneral
	}
}

// Route runs exactly one handler. Handler errors and panics become ApologyReply.
func (s *MessageService) Route(ctx context.Context, intent Intent, msg entities.InboundMessage, customer *entities.CustomerRecord) (reply entities.Reply) {
	defer func() {
		if r := recover(); r != nil {
			s.handlerFailed(ctx, intent, msg, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
			reply = entities.Reply{Text: ApologyReply}
		}
	}()

	reply, err := s.handlerFor(intent)(ctx, msg, customer)
	if err != nil {
		s.handlerFailed(ctx, intent, msg, err)
		return entities.Reply{Text: ApologyReply}
	}
	if strings.TrimSpace(reply.Text) == "" {
		s.handlerFailed(ctx, intent, msg, errors.New("handler returned an empty reply"))
		return entities.Reply{Text: ApologyReply}
	}
	return reply
}

func (s *MessageService) handlerFailed(ctx context.Context, intent Intent, msg entities.InboundMessage, err error) {
	config.LogError(s.logger, "messages", "Route", "handler failed",
		logrus.Fields{"intent": intent, "phone": msg.SenderID, "message_id": msg.ID}, err)
	s.alerter.Alert(ctx, "error", "Message handler failed",
		fmt.Sprintf("intent=%s message_id=%s: %v", intent, msg.ID, firstLine(err.Error())))
}

func (s *MessageService) handleGreeting(_ context.Context, _ entities.InboundMessage, customer *entities.CustomerRecord) (entities.Reply, error) {
	if customer.IsReturning() {
		name := ""
		if customer.Name != "" {
			name = ", " + customer.Name
		}
		return entities.Reply{Text: fmt.Sprintf(greetingBack, name)}, nil
	}
	return entities.Reply{Text: greetingNew}, nil
}

func (s *MessageService) handleProductSearch(ctx context.Context, msg entities.InboundMessage, _ *entities.CustomerRecord) (entities.Reply, error) {
	query := extractSearchQuery(msg.Text)
	if query == "" {
		return entities.Reply{Text: "What kind of product are you looking for? Try something like \"gold earrings\" or \"red dress\"."}, nil
	}

	items := s.catalog.Search(ctx, query, searchLimit)
	switch len(items) {
	case 0:
		return entities.Reply{Text: fmt.Sprintf("I couldn't find products matching \"%s\". Try different keywords, or reply *support* to talk to our team.", query)}, nil
	case 1:
		return entities.Reply{Text: "Found this perfect match! ✨\n\n" + describeProduct(items[0])}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here are %d products for \"%s\":\n\n", len(items), query)
	for i, item := range items {
		fmt.Fprintf(&b, "%d. *%s* - %s\n", i+1, item.Title, formatPrice(item))
	}
	b.WriteString("\nReply with a product name for more details.")
	return entities.Reply{Text: b.String(), List: ProductListMessage(query, items)}, nil
}

func (s *MessageService) handleProductDetail(ctx context.Context, msg entities.InboundMessage, _ *entities.CustomerRecord) (entities.Reply, error) {
	id := tokenValue(msg.Text, tokenProduct)
	item, err := s.catalog.Product(ctx, id)
	if err != nil {
		return entities.Reply{}, fmt.Errorf("product %s: %w", id, err)
	}
	if item == nil {
		return entities.Reply{Text: unavailableReply}, nil
	}
	return entities.Reply{Text: describeProduct(*item)}, nil
}

func (s *MessageService) handleOrderInquiry(ctx context.Context, msg entities.InboundMessage, _ *entities.CustomerRecord) (entities.Reply, error) {
	orders, err := s.catalog.OrdersByPhone(ctx, msg.SenderID)
	if err != nil {
		return entities.Reply{}, fmt.Errorf("orders for %s: %w", msg.SenderID, err)
	}

	if id := tokenValue(msg.Text, tokenOrder); id != "" {
		for _, o := range orders {
			if o.ID == id {
				return entities.Reply{Text: describeOrder(o)}, nil
			}
		}
	}
	if len(orders) == 0 {
		return entities.Reply{Text: "I couldn't find any recent orders for this number. If you ordered with a different phone number, reply with your order number and our team will look it up."}, nil
	}
	if len(orders) > maxOrdersShown {
		orders = orders[:maxOrdersShown]
	}

	var b strings.Builder
	b.WriteString("📦 *Your recent orders*\n")
	for _, o := range orders {
		b.WriteString("\n")
		b.WriteString(describeOrder(o))
		b.WriteString("\n")
	}
	reply := entities.Reply{Text: strings.TrimRight(b.String(), "\n")}
	if len(orders) > 1 {
		reply.List = OrderListMessage(orders)
	}
	return reply, nil
}

func (s *MessageService) handleSupport(context.Context, entities.InboundMessage, *entities.CustomerRecord) (entities.Reply, error) {
	return entities.Reply{Text: supportReply}, nil
}

func (s *MessageService) handleThanks(context.Context, entities.InboundMessage, *entities.CustomerRecord) (entities.Reply, error) {
	return entities.Reply{Text: thanksReply}, nil
}

func (s *MessageService) handleSize(context.Context, entities.InboundMessage, *entities.CustomerRecord) (entities.Reply, error) {
	return entities.Reply{Text: sizeGuideReply}, nil
}

func (s *MessageService) handlePrice(ctx context.Context, msg entities.InboundMessage, _ *entities.CustomerRecord) (entities.Reply, error) {
	query := extractSearchQuery(msg.Text)
	if query == "" {
		return entities.Reply{Text: "Our pieces start at very friendly prices! Tell me which product you're interested in (for example \"price of silver rings\") and I'll look it up."}, nil
	}
	items := s.catalog.Search(ctx, query, searchLimit)
	if len(items) == 0 {
		return entities.Reply{Text: fmt.Sprintf("I couldn't find products matching \"%s\" to price. Try another product name.", query)}, nil
	}

	low, high := items[0], items[0]
	var b strings.Builder
	fmt.Fprintf(&b, "💰 *Prices for \"%s\"*\n\n", query)
	for _, item := range items {
		fmt.Fprintf(&b, "• %s: %s\n", item.Title, formatPrice(item))
		if item.Price.LessThan(low.Price) {
			low = item
		}
		if item.Price.GreaterThan(high.Price) {
			high = item
		}
	}
	if len(items) > 1 && !low.Price.Equal(high.Price) {
		fmt.Fprintf(&b, "\nPrices range from %s to %s.", formatPrice(low), formatPrice(high))
	}
	return entities.Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

// handleGeneral grounds the AI reply in catalog hits and the sender's
// orders. Lookup failures only shrink the prompt.
func (s *MessageService) handleGeneral(ctx context.Context, msg entities.InboundMessage, customer *entities.CustomerRecord) (entities.Reply, error) {
	pc := PromptContext{Products: s.catalog.Search(ctx, msg.Text, promptProducts)}
	orders, err := s.catalog.OrdersByPhone(ctx, msg.SenderID)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"module": "messages", "phone": msg.SenderID}).
			Debug("orders unavailable for prompt context")
	}
	pc.Orders = orders
	return entities.Reply{Text: s.ai.Reply(ctx, msg.Text, customer, pc)}, nil
}

func describeProduct(item entities.CatalogItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n💰 %s\n", item.Title, formatPrice(item))
	if item.Description != "" {
		b.WriteString("\n")
		b.WriteString(infrastructure.TruncateRunes(item.Description, maxDetailChars))
		b.WriteString("\n")
	}
	if !item.InStock() {
		b.WriteString("\n⚠️ Currently out of stock")
	}
	if item.Handle != "" {
		fmt.Fprintf(&b, "\n🛒 https://feelori.com/products/%s", item.Handle)
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeOrder(o entities.Order) string {
	return fmt.Sprintf("*Order %s* (%s)\nPayment: %s\nFulfillment: %s\nTotal: %s %s",
		o.Name, o.CreatedAt.Format("02 Jan 2006"),
		strings.ReplaceAll(o.FinancialStatus, "_", " "),
		strings.ReplaceAll(o.FulfillmentStatus, "_", " "),
		o.TotalPrice.StringFixed(2), o.Currency)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
