package usecases

import (
	"fmt"
	"strings"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

const maxListProducts = 10

// ProductListMessage builds the interactive list shown for a multi-hit search.
// Row ids are product_<id> tokens so a tap routes to the detail handler.
func ProductListMessage(query string, items []entities.CatalogItem) *entities.ListMessage {
	if len(items) > maxListProducts {
		items = items[:maxListProducts]
	}
	rows := make([]entities.ListRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, entities.ListRow{
			ID:          tokenProduct + item.ID,
			Title:       item.Title,
			Description: formatPrice(item),
		})
	}
	return &entities.ListMessage{
		Header:   "Feelori picks",
		Body:     fmt.Sprintf("I found %d products for \"%s\". Tap one to see the details.", len(items), query),
		Footer:   "Reply with another search any time",
		Button:   "View products",
		Sections: []entities.ListSection{{Title: "Products", Rows: rows}},
	}
}

// OrderListMessage lets a customer with several orders pick one.
func OrderListMessage(orders []entities.Order) *entities.ListMessage {
	rows := make([]entities.ListRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, entities.ListRow{
			ID:          tokenOrder + o.ID,
			Title:       "Order " + o.Name,
			Description: fmt.Sprintf("%s, %s", strings.ReplaceAll(o.FulfillmentStatus, "_", " "), o.CreatedAt.Format("02 Jan 2006")),
		})
	}
	return &entities.ListMessage{
		Body:     "Here are your recent orders. Tap one for its details.",
		Button:   "View orders",
		Sections: []entities.ListSection{{Title: "Recent orders", Rows: rows}},
	}
}

func formatPrice(item entities.CatalogItem) string {
	return fmt.Sprintf("%s %s", item.Price.StringFixed(2), item.Currency)
}
