package adapters

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
)

const magentoPageSize = 100

// Queries against the public storefront GraphQL endpoint. Magento 2 exposes
// it unauthenticated on most installs; stores that disable it fall through to
// HTML/JSON-LD scraping.
type Magento struct {
	base     string
	client   *fetch.Client
	fallback *Generic
	logger   *zap.Logger
}

// Platform implements Adapter.
func (m *Magento) Platform() catalog.Platform { return catalog.PlatformMagento }

const magentoListQuery = `query($pageSize: Int!, $currentPage: Int!) {
  products(search: "", pageSize: $pageSize, currentPage: $currentPage) {
    total_count
    items { id url_key }
  }
}`

const magentoProductQuery = `query($urlKey: String!) {
  products(filter: { url_key: { eq: $urlKey } }) {
    items {
      id
      sku
      name
      description { html }
      stock_status
      media_gallery { url }
      price_range {
        minimum_price {
          regular_price { value currency }
          final_price { value currency }
        }
      }
      configurable_options { attribute_code label values { label } }
      variants {
        product {
          id
          sku
          stock_status
          price_range {
            minimum_price {
              regular_price { value currency }
              final_price { value currency }
            }
          }
        }
        attributes { code label }
      }
    }
  }
}`

type magentoGraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type magentoPrice struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

type magentoPriceRange struct {
	MinimumPrice struct {
		RegularPrice magentoPrice `json:"regular_price"`
		FinalPrice   magentoPrice `json:"final_price"`
	} `json:"minimum_price"`
}

type magentoItem struct {
	ID          int    `json:"id"`
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	URLKey      string `json:"url_key"`
	Description struct {
		HTML string `json:"html"`
	} `json:"description"`
	StockStatus  string `json:"stock_status"`
	MediaGallery []struct {
		URL string `json:"url"`
	} `json:"media_gallery"`
	PriceRange          magentoPriceRange `json:"price_range"`
	ConfigurableOptions []struct {
		AttributeCode string `json:"attribute_code"`
		Label         string `json:"label"`
		Values        []struct {
			Label string `json:"label"`
		} `json:"values"`
	} `json:"configurable_options"`
	Variants []struct {
		Product struct {
			ID          int               `json:"id"`
			SKU         string            `json:"sku"`
			StockStatus string            `json:"stock_status"`
			PriceRange  magentoPriceRange `json:"price_range"`
		} `json:"product"`
		Attributes []struct {
			Code  string `json:"code"`
			Label string `json:"label"`
		} `json:"attributes"`
	} `json:"variants"`
}

type magentoResponse struct {
	Data struct {
		Products struct {
			TotalCount int           `json:"total_count"`
			Items      []magentoItem `json:"items"`
		} `json:"products"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// DiscoverProducts paginates the GraphQL catalog, falling back to sitemap
// walking when the endpoint is closed.
func (m *Magento) DiscoverProducts(ctx context.Context, limit int) ([]catalog.ProductRef, error) {
	var refs []catalog.ProductRef
	for page := 1; ; page++ {
		resp, ok, err := m.query(ctx, magentoListQuery, map[string]any{
			"pageSize": magentoPageSize, "currentPage": page,
		})
		if err != nil {
			return refs, err
		}
		if !ok {
			if len(refs) == 0 {
				m.logger.Debug("magento graphql unavailable, walking sitemaps", zap.String("base", m.base))
				return m.fallback.DiscoverProducts(ctx, limit)
			}
			break
		}
		if len(resp.Data.Products.Items) == 0 {
			break
		}
		for _, item := range resp.Data.Products.Items {
			if item.URLKey == "" {
				continue
			}
			refs = append(refs, catalog.ProductRef{
				URL:        m.base + "/" + item.URLKey + ".html",
				ExternalID: strconv.Itoa(item.ID),
			})
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
		if len(resp.Data.Products.Items) < magentoPageSize {
			break
		}
	}
	return refs, nil
}

// FetchProduct resolves the product by url_key over GraphQL, scraping the
// page when the endpoint declines.
func (m *Magento) FetchProduct(ctx context.Context, ref catalog.ProductRef) (*catalog.RawProduct, error) {
	urlKey := magentoURLKey(ref.URL)
	if urlKey == "" {
		return m.fallback.FetchProduct(ctx, ref)
	}

	resp, ok, err := m.query(ctx, magentoProductQuery, map[string]any{"urlKey": urlKey})
	if err != nil {
		return nil, err
	}
	if !ok || len(resp.Data.Products.Items) == 0 {
		return m.fallback.FetchProduct(ctx, ref)
	}
	return m.normalize(ref, resp.Data.Products.Items[0]), nil
}

func (m *Magento) query(ctx context.Context, query string, vars map[string]any) (*magentoResponse, bool, error) {
	var resp magentoResponse
	status, err := m.client.PostJSON(ctx, m.base+"/graphql",
		magentoGraphQLRequest{Query: query, Variables: vars}, &resp)
	if err != nil {
		return nil, false, err
	}
	if status != 200 || len(resp.Errors) > 0 {
		return nil, false, nil
	}
	return &resp, true, nil
}

func (m *Magento) normalize(ref catalog.ProductRef, item magentoItem) *catalog.RawProduct {
	raw := &catalog.RawProduct{
		SourceURL:   ref.URL,
		ExternalID:  strconv.Itoa(item.ID),
		Title:       item.Name,
		Description: item.Description.HTML,
		Metadata:    map[string]any{"url_key": item.URLKey},
	}
	for _, media := range item.MediaGallery {
		raw.Images = appendUnique(raw.Images, media.URL)
	}
	for _, opt := range item.ConfigurableOptions {
		name := opt.AttributeCode
		if name == "" {
			name = opt.Label
		}
		option := catalog.ProductOption{Name: name}
		for _, v := range opt.Values {
			option.Values = append(option.Values, v.Label)
		}
		raw.Options = append(raw.Options, option)
	}

	if len(item.Variants) > 0 {
		for _, v := range item.Variants {
			price, compareAt, currency := magentoPrices(v.Product.PriceRange)
			variant := catalog.RawVariant{
				ID:             strconv.Itoa(v.Product.ID),
				SKU:            v.Product.SKU,
				Price:          price,
				CompareAtPrice: compareAt,
				Currency:       currency,
				Available:      strings.EqualFold(v.Product.StockStatus, "IN_STOCK"),
				Options:        make(map[string]string, len(v.Attributes)),
			}
			for _, attr := range v.Attributes {
				variant.Options[attr.Code] = attr.Label
			}
			raw.Variants = append(raw.Variants, variant)
			if raw.Currency == "" {
				raw.Currency = currency
			}
		}
		return raw
	}

	price, compareAt, currency := magentoPrices(item.PriceRange)
	raw.Currency = currency
	raw.Variants = []catalog.RawVariant{{
		SKU:            item.SKU,
		Price:          price,
		CompareAtPrice: compareAt,
		Currency:       currency,
		Available:      strings.EqualFold(item.StockStatus, "IN_STOCK"),
	}}
	return raw
}

// magentoPrices maps final_price to the selling price and keeps regular_price
// as compare-at when the product is discounted.
func magentoPrices(pr magentoPriceRange) (price float64, compareAt *float64, currency string) {
	final := pr.MinimumPrice.FinalPrice
	regular := pr.MinimumPrice.RegularPrice

	price = final.Value
	currency = final.Currency
	if price == 0 {
		price = regular.Value
		currency = regular.Currency
	}
	if regular.Value > 0 && regular.Value != price {
		v := regular.Value
		compareAt = &v
	}
	return price, compareAt, currency
}

// magentoURLKey strips the path down to the .html-less final segment.
func magentoURLKey(productURL string) string {
	u, err := url.Parse(productURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	return strings.TrimSuffix(last, ".html")
}
