// Package catalog читает карточки товаров из сервиса каталога для снимков позиций заказа.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTimeout ограничивает один запрос к каталогу.
const DefaultTimeout = 3 * time.Second

// ErrCatalogUnavailable — каталог ответил ошибкой сервера или не ответил вовсе.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

type basicProductResponse struct {
	Product *domain.Product `json:"product"`
	Error   string          `json:"error"`
}

// Client ходит в GET {baseURL}/api/product/basic/{id}.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Entry
}

// ClientOption настраивает Client.
type ClientOption func(*Client)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(c *http.Client) ClientOption { return func(cl *Client) { cl.http = c } }

// WithLogger задаёт logger.
func WithLogger(l *log.Entry) ClientOption { return func(cl *Client) { cl.logger = l } }

// NewClient создаёт клиент каталога.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "catalog-client")
	}
	return c
}

// Product возвращает карточку товара; domain.ErrProductNotFound, если каталог её не знает.
func (c *Client) Product(ctx context.Context, productID string) (domain.Product, error) {
	if productID == "" {
		return domain.Product{}, domain.ErrProductIDRequired
	}
	endpoint := c.baseURL + "/api/product/basic/" + url.PathEscape(productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Product{}, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	logger := c.logger.WithFields(log.Fields{"product_id": productID, "status": resp.StatusCode})
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		logger.Debug("product not found in catalog")
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	case resp.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, resp.Body)
		logger.Warn("catalog returned server error")
		return domain.Product{}, fmt.Errorf("%w: status %d", ErrCatalogUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return domain.Product{}, fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	var body basicProductResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return domain.Product{}, fmt.Errorf("decode catalog response: %w", err)
	}
	if body.Product == nil {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	if body.Product.ID == "" {
		body.Product.ID = productID
	}
	return *body.Product, nil
}

var _ domain.Catalog = (*Client)(nil)
