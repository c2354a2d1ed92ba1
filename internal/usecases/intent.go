package usecases

import (
	"strings"
	"unicode"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

type Intent string

const (
	IntentGreeting      Intent = "greeting"
	IntentProductSearch Intent = "product_search"
	IntentProductDetail Intent = "product_detail"
	IntentOrderInquiry  Intent = "order_inquiry"
	IntentSupport       Intent = "support"
	IntentThanks        Intent = "thanks"
	IntentSize          Intent = "size_inquiry"
	IntentPrice         Intent = "price_inquiry"
	IntentGeneral       Intent = "general"
)

// Reply tokens carried by interactive list rows and buttons.
const (
	tokenProduct  = "product_"
	tokenOrder    = "order_"
	tokenCategory = "cat_"
	tokenSupport  = "support"
)

type keywordRule struct {
	intent   Intent
	keywords []string
}

// intentRules is checked top to bottom; the first rule with a hit wins.
var intentRules = []keywordRule{
	{IntentGreeting, []string{"hi", "hello", "hey", "hiya", "greetings", "namaste", "good morning", "good afternoon", "good evening"}},
	{IntentProductSearch, []string{
		"product", "products", "item", "items", "buy", "purchase", "show", "looking for", "search", "find",
		"need", "want", "shop", "browse", "catalog", "catalogue", "collection",
		"dress", "dresses", "necklace", "necklaces", "earring", "earrings", "ring", "rings",
		"bracelet", "bracelets", "jewelry", "jewellery",
	}},
	{IntentOrderInquiry, []string{"order", "orders", "tracking", "track", "delivery", "deliver", "shipping", "shipped", "dispatch", "where is my"}},
	{IntentSupport, []string{"help", "support", "problem", "issue", "complaint", "refund", "return", "exchange", "human", "agent", "contact"}},
	{IntentThanks, []string{"thanks", "thank you", "thank", "thx", "ty", "appreciate it"}},
	{IntentSize, []string{"size", "sizes", "sizing", "fit", "fits", "measurement", "measurements", "size chart"}},
	{IntentPrice, []string{"price", "prices", "pricing", "cost", "costs", "how much", "expensive", "cheap", "discount", "offer", "offers"}},
}

// Classify maps message text to an intent. Interactive reply tokens are
// checked first, then keyword rules in fixed priority order.
func Classify(text string, kind entities.MessageKind) Intent {
	trimmed := strings.TrimSpace(text)
	if kind.IsInteractive() || isReplyToken(trimmed) {
		if intent, ok := classifyToken(trimmed); ok {
			return intent
		}
	}

	padded := " " + strings.Join(words(trimmed), " ") + " "
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(padded, " "+kw+" ") {
				return rule.intent
			}
		}
	}
	return IntentGeneral
}

func classifyToken(token string) (Intent, bool) {
	lower := strings.ToLower(token)
	switch {
	case strings.HasPrefix(lower, tokenProduct) && len(lower) > len(tokenProduct):
		return IntentProductDetail, true
	case strings.HasPrefix(lower, tokenOrder) && len(lower) > len(tokenOrder):
		return IntentOrderInquiry, true
	case strings.HasPrefix(lower, tokenCategory) && len(lower) > len(tokenCategory):
		return IntentProductSearch, true
	case lower == tokenSupport:
		return IntentSupport, true
	}
	return "", false
}

func isReplyToken(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return false
	}
	_, ok := classifyToken(s)
	return ok
}

// tokenValue returns what follows the reply-token prefix, or "".
func tokenValue(text, prefix string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
		return ""
	}
	return trimmed[len(prefix):]
}

var searchStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "me": true, "my": true, "i": true, "im": true, "i'm": true,
	"show": true, "find": true, "search": true, "looking": true, "for": true, "want": true, "wanna": true,
	"need": true, "buy": true, "purchase": true, "some": true, "any": true, "please": true, "pls": true,
	"can": true, "you": true, "could": true, "would": true, "like": true, "to": true, "get": true,
	"do": true, "have": true, "got": true, "is": true, "are": true, "there": true, "what": true,
	"product": true, "products": true, "item": true, "items": true, "of": true, "in": true,
	"hi": true, "hello": true, "hey": true, "price": true, "prices": true, "how": true, "much": true,
	"cost": true, "costs": true,
}

// extractSearchQuery strips conversational filler so the catalog sees only
// the product words, e.g. "show me dresses" -> "dresses".
func extractSearchQuery(text string) string {
	if cat := tokenValue(text, tokenCategory); cat != "" {
		return strings.ReplaceAll(strings.ToLower(cat), "_", " ")
	}
	var kept []string
	for _, w := range words(text) {
		if !searchStopwords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// words lowercases s and splits it on anything that is not a letter, digit or apostrophe.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
