package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

const (
	shopifyMaxLimit   = 250
	maxTitleLength    = 100
	maxDescLength     = 160
	maxTags           = 10
	productFields     = "id,title,body_html,handle,tags,status,variants,images"
	orderFields       = "id,name,financial_status,fulfillment_status,total_price,currency,created_at,phone,customer,billing_address,shipping_address"
	ordersLookupLimit = 50
)

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// ShopifyClient reads products and orders from the Shopify Admin REST API.
type ShopifyClient struct {
	httpClient *http.Client
	storeURL   string
	token      string
	apiVersion string
	currency   string
	breaker    *CircuitBreaker
	tracer     trace.Tracer
	logger     logrus.FieldLogger
}

func NewShopifyClient(httpClient *http.Client, storeURL, token, apiVersion, currency string,
	breaker *CircuitBreaker, logger logrus.FieldLogger) *ShopifyClient {
	return &ShopifyClient{
		httpClient: httpClient,
		storeURL:   strings.TrimRight(storeURL, "/"),
		token:      token,
		apiVersion: apiVersion,
		currency:   currency,
		breaker:    breaker,
		tracer:     otel.Tracer(tracerName),
		logger:     logger.WithField("module", "shopify"),
	}
}

type shopifyProduct struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	BodyHTML string `json:"body_html"`
	Handle   string `json:"handle"`
	Tags     string `json:"tags"`
	Status   string `json:"status"`
	Variants []struct {
		ID                int64  `json:"id"`
		Price             string `json:"price"`
		InventoryQuantity int    `json:"inventory_quantity"`
	} `json:"variants"`
	Images []struct {
		Src string `json:"src"`
	} `json:"images"`
}

type shopifyAddress struct {
	Phone string `json:"phone"`
}

type shopifyOrder struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	FinancialStatus   string          `json:"financial_status"`
	FulfillmentStatus *string         `json:"fulfillment_status"`
	TotalPrice        string          `json:"total_price"`
	Currency          string          `json:"currency"`
	CreatedAt         time.Time       `json:"created_at"`
	Phone             string          `json:"phone"`
	Customer          *shopifyAddress `json:"customer"`
	BillingAddress    *shopifyAddress `json:"billing_address"`
	ShippingAddress   *shopifyAddress `json:"shipping_address"`
}

// Search reads one page of products and filters it locally by query
// tokens over title, description and tags. It never fails: upstream
// errors yield an empty result.
func (s *ShopifyClient) Search(ctx context.Context, query string, limit int) []entities.CatalogItem {
	if limit <= 0 {
		limit = 5
	}
	ctx, span := s.tracer.Start(ctx, "shopify.search", trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	fetch := limit * 10
	if fetch < 50 {
		fetch = 50
	}
	if fetch > shopifyMaxLimit {
		fetch = shopifyMaxLimit
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(fetch))
	params.Set("status", "active")
	params.Set("fields", productFields)

	var body struct {
		Products []shopifyProduct `json:"products"`
	}
	if err := s.getJSON(ctx, "products.json", params, &body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		s.logger.WithError(err).WithField("query", query).Error("product search failed")
		return []entities.CatalogItem{}
	}

	items := make([]entities.CatalogItem, 0, len(body.Products))
	for _, p := range body.Products {
		items = append(items, s.project(p))
	}
	out := FilterCatalog(items, query, limit)
	span.SetAttributes(attribute.Int("results", len(out)))
	return out
}

// Product returns nil, nil when the product does not exist.
func (s *ShopifyClient) Product(ctx context.Context, id string) (*entities.CatalogItem, error) {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return nil, entities.NewValidationError("product_id", "invalid product id")
	}
	ctx, span := s.tracer.Start(ctx, "shopify.product", trace.WithAttributes(attribute.String("product.id", id)))
	defer span.End()

	params := url.Values{}
	params.Set("fields", productFields)
	var body struct {
		Product *shopifyProduct `json:"product"`
	}
	err := s.getJSON(ctx, "products/"+id+".json", params, &body)
	var up *entities.UpstreamError
	if errors.As(err, &up) && up.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "product lookup failed")
		return nil, err
	}
	if body.Product == nil {
		return nil, nil
	}
	item := s.project(*body.Product)
	return &item, nil
}

// OrdersByPhone returns recent orders whose customer, billing or shipping
// phone matches phone, newest first.
func (s *ShopifyClient) OrdersByPhone(ctx context.Context, phone string) ([]entities.Order, error) {
	ctx, span := s.tracer.Start(ctx, "shopify.orders_by_phone")
	defer span.End()

	params := url.Values{}
	params.Set("status", "any")
	params.Set("limit", strconv.Itoa(ordersLookupLimit))
	params.Set("fields", orderFields)
	var body struct {
		Orders []shopifyOrder `json:"orders"`
	}
	if err := s.getJSON(ctx, "orders.json", params, &body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "orders lookup failed")
		return nil, err
	}

	var out []entities.Order
	for _, o := range body.Orders {
		if !orderMatchesPhone(o, phone) {
			continue
		}
		fulfillment := "unfulfilled"
		if o.FulfillmentStatus != nil && *o.FulfillmentStatus != "" {
			fulfillment = *o.FulfillmentStatus
		}
		currency := o.Currency
		if currency == "" {
			currency = s.currency
		}
		total, _ := decimal.NewFromString(o.TotalPrice)
		out = append(out, entities.Order{
			ID:                strconv.FormatInt(o.ID, 10),
			Name:              o.Name,
			FinancialStatus:   o.FinancialStatus,
			FulfillmentStatus: fulfillment,
			TotalPrice:        total,
			Currency:          currency,
			CreatedAt:         o.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func orderMatchesPhone(o shopifyOrder, phone string) bool {
	candidates := []string{o.Phone}
	for _, a := range []*shopifyAddress{o.Customer, o.BillingAddress, o.ShippingAddress} {
		if a != nil {
			candidates = append(candidates, a.Phone)
		}
	}
	for _, c := range candidates {
		if PhonesMatch(c, phone) {
			return true
		}
	}
	return false
}

// PhonesMatch compares the trailing ten digits of two loosely formatted numbers.
func PhonesMatch(a, b string) bool {
	da, db := NormalizeRecipient(a), NormalizeRecipient(b)
	if len(da) < 7 || len(db) < 7 {
		return false
	}
	n := 10
	if len(da) < n {
		n = len(da)
	}
	if len(db) < n {
		n = len(db)
	}
	return da[len(da)-n:] == db[len(db)-n:]
}

func (s *ShopifyClient) project(p shopifyProduct) entities.CatalogItem {
	item := entities.CatalogItem{
		ID:           strconv.FormatInt(p.ID, 10),
		Title:        TruncateRunes(strings.TrimSpace(p.Title), maxTitleLength),
		Description:  TruncateRunes(plainText(p.BodyHTML), maxDescLength),
		Currency:     s.currency,
		Availability: entities.AvailabilityOutOfStock,
		Handle:       p.Handle,
	}
	if len(p.Variants) > 0 {
		item.Price, _ = decimal.NewFromString(p.Variants[0].Price)
	}
	for _, v := range p.Variants {
		if v.InventoryQuantity > 0 {
			item.Availability = entities.AvailabilityInStock
			break
		}
	}
	if len(p.Images) > 0 {
		item.ImageURL = p.Images[0].Src
	}
	for _, tag := range strings.Split(p.Tags, ",") {
		if t := strings.TrimSpace(tag); t != "" && len(item.Tags) < maxTags {
			item.Tags = append(item.Tags, t)
		}
	}
	return item
}

func plainText(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// FilterCatalog keeps items matching at least one query token, best
// matches first. An empty query keeps the upstream order.
func FilterCatalog(items []entities.CatalogItem, query string, limit int) []entities.CatalogItem {
	tokens := SearchTokens(query)
	type scored struct {
		item  entities.CatalogItem
		score int
	}
	var matches []scored
	for _, it := range items {
		if len(tokens) == 0 {
			matches = append(matches, scored{item: it})
			continue
		}
		haystack := strings.ToLower(it.Title + " " + it.Description + " " + strings.Join(it.Tags, " "))
		score := 0
		for _, tok := range tokens {
			for _, v := range tokenVariants(tok) {
				if strings.Contains(haystack, v) {
					score++
					break
				}
			}
		}
		if score > 0 {
			matches = append(matches, scored{item: it, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]entities.CatalogItem, 0, limit)
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, m.item)
	}
	return out
}

// SearchTokens lowercases query and splits it into words of two or more characters.
func SearchTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// tokenVariants adds naive singular forms so "dresses" matches "dress".
func tokenVariants(tok string) []string {
	variants := []string{tok}
	switch {
	case strings.HasSuffix(tok, "ies") && len(tok) > 4:
		variants = append(variants, strings.TrimSuffix(tok, "ies")+"y")
	case strings.HasSuffix(tok, "es") && len(tok) > 4:
		variants = append(variants, strings.TrimSuffix(tok, "es"), strings.TrimSuffix(tok, "s"))
	case strings.HasSuffix(tok, "s") && len(tok) > 3:
		variants = append(variants, strings.TrimSuffix(tok, "s"))
	}
	return variants
}

func (s *ShopifyClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := fmt.Sprintf("%s/admin/api/%s/%s", s.storeURL, s.apiVersion, path)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return s.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return Neutral(err)
		}
		req.Header.Set("X-Shopify-Access-Token", s.token)
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return &entities.UpstreamError{Service: "shopify", Kind: entities.KindOf(err), Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadSize))
			kind := entities.ClassifyStatus(resp.StatusCode)
			upErr := &entities.UpstreamError{
				Service: "shopify", Kind: kind, StatusCode: resp.StatusCode,
				Err: errors.New(strings.TrimSpace(string(msg))),
			}
			if kind == entities.FailureClient && resp.StatusCode != http.StatusTooManyRequests {
				return Neutral(upErr)
			}
			return upErr
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &entities.UpstreamError{Service: "shopify", Kind: entities.FailureServer, StatusCode: resp.StatusCode, Err: err}
		}
		return nil
	})
}
