package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
)

const (
	vtexSearchAPI = "/api/catalog_system/pub/products/search"
	// VTEX refuses windows wider than 50 and caps the offset at 2500.
	vtexWindow    = 50
	vtexMaxOffset = 2500
)

// VTEX uses the public catalog_system search API for both discovery and
// fetch. Product pages end in "/{linkText}/p", which doubles as the search
// key for single-product lookups.
type VTEX struct {
	base     string
	client   *fetch.Client
	fallback *Generic
	logger   *zap.Logger
}

// Platform implements Adapter.
func (v *VTEX) Platform() catalog.Platform { return catalog.PlatformVTEX }

type vtexProduct struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Brand       string `json:"brand"`
	LinkText    string `json:"linkText"`
	Link        string `json:"link"`
	Description string `json:"description"`
	Categories  []string `json:"categories"`
	Items       []struct {
		ItemID string `json:"itemId"`
		Name   string `json:"name"`
		EAN    string `json:"ean"`
		Images []struct {
			ImageURL string `json:"imageUrl"`
		} `json:"images"`
		Sellers []struct {
			CommertialOffer struct {
				Price             float64 `json:"Price"`
				ListPrice         float64 `json:"ListPrice"`
				IsAvailable       bool    `json:"IsAvailable"`
				AvailableQuantity int     `json:"AvailableQuantity"`
			} `json:"commertialOffer"`
		} `json:"sellers"`
		Variations []string `json:"variations"`
	} `json:"items"`
}

// DiscoverProducts slides _from/_to windows over the search API. The API
// stops serving past offset 2500; sites larger than that are covered by the
// sitemap arm of combined discovery.
func (v *VTEX) DiscoverProducts(ctx context.Context, limit int) ([]catalog.ProductRef, error) {
	var refs []catalog.ProductRef
	for from := 0; from < vtexMaxOffset; from += vtexWindow {
		searchURL := fmt.Sprintf("%s%s?_from=%d&_to=%d", v.base, vtexSearchAPI, from, from+vtexWindow-1)
		var products []vtexProduct
		status, err := v.client.GetJSON(ctx, searchURL, &products)
		if err != nil {
			return refs, err
		}
		if status != 200 || len(products) == 0 {
			break
		}
		for _, p := range products {
			if p.LinkText == "" {
				continue
			}
			refs = append(refs, catalog.ProductRef{
				URL:        v.base + "/" + p.LinkText + "/p",
				ExternalID: p.ProductID,
			})
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
		if len(products) < vtexWindow {
			break
		}
	}
	return refs, nil
}

// FetchProduct looks the product up by linkText, falling back to HTML
// scraping when the API yields nothing.
func (v *VTEX) FetchProduct(ctx context.Context, ref catalog.ProductRef) (*catalog.RawProduct, error) {
	linkText := vtexLinkText(ref.URL)
	if linkText == "" {
		return v.fallback.FetchProduct(ctx, ref)
	}

	var products []vtexProduct
	status, err := v.client.GetJSON(ctx, v.base+vtexSearchAPI+"/"+linkText+"/p", &products)
	if err != nil {
		return nil, err
	}
	if status != 200 || len(products) == 0 {
		return v.fallback.FetchProduct(ctx, ref)
	}
	return v.normalize(ref, products[0]), nil
}

func (v *VTEX) normalize(ref catalog.ProductRef, p vtexProduct) *catalog.RawProduct {
	raw := &catalog.RawProduct{
		SourceURL:   ref.URL,
		ExternalID:  p.ProductID,
		Title:       p.ProductName,
		Description: p.Description,
		Vendor:      p.Brand,
		Metadata:    map[string]any{"link_text": p.LinkText},
	}
	if len(p.Categories) > 0 {
		raw.Metadata["categories"] = p.Categories
	}

	for _, item := range p.Items {
		variant := catalog.RawVariant{
			ID:  item.ItemID,
			SKU: item.EAN,
		}
		if variant.SKU == "" {
			variant.SKU = item.ItemID
		}
		if len(item.Variations) > 0 {
			variant.Options = map[string]string{}
			for _, name := range item.Variations {
				// The search API lists variation names; values ride on the item
				// name ("Camisa Lino - Azul / M").
				variant.Options[name] = item.Name
			}
		}
		for _, img := range item.Images {
			variant.Images = appendUnique(variant.Images, img.ImageURL)
			raw.Images = appendUnique(raw.Images, img.ImageURL)
		}
		if len(item.Sellers) > 0 {
			offer := item.Sellers[0].CommertialOffer
			variant.Price = offer.Price
			variant.Available = offer.IsAvailable
			if offer.AvailableQuantity > 0 {
				stock := offer.AvailableQuantity
				variant.Stock = &stock
			}
			if offer.ListPrice > 0 && offer.ListPrice != offer.Price {
				list := offer.ListPrice
				variant.CompareAtPrice = &list
			}
		}
		raw.Variants = append(raw.Variants, variant)
	}
	if len(raw.Variants) == 0 {
		return nil
	}
	return raw
}

// vtexLinkText pulls the segment before the trailing "/p".
func vtexLinkText(productURL string) string {
	u, err := url.Parse(productURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	parts := strings.Split(path, "/")
	if len(parts) >= 2 && parts[len(parts)-1] == "p" {
		return parts[len(parts)-2]
	}
	return ""
}
