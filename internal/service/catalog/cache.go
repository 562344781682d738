package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultCacheTTL — сколько живёт карточка товара в кэше.
const DefaultCacheTTL = 5 * time.Minute

// CachedCatalog — read-through кэш карточек поверх любого domain.Catalog.
// Ошибки Redis не ломают оформление заказа: запрос уходит напрямую в каталог.
type CachedCatalog struct {
	next   domain.Catalog
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *log.Entry
}

// NewCachedCatalog оборачивает next кэшем в Redis; ttl <= 0 заменяется DefaultCacheTTL.
func NewCachedCatalog(next domain.Catalog, client redis.UniversalClient, serviceName string, ttl time.Duration, logger *log.Entry) *CachedCatalog {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = log.WithField("component", "catalog-cache")
	}
	return &CachedCatalog{next: next, client: client, prefix: serviceName, ttl: ttl, logger: logger}
}

func (c *CachedCatalog) key(productID string) string {
	return fmt.Sprintf("%s:product:%s", c.prefix, productID)
}

// Product возвращает карточку из кэша или из каталога, запоминая ответ.
func (c *CachedCatalog) Product(ctx context.Context, productID string) (domain.Product, error) {
	key := c.key(productID)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p domain.Product
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return p, nil
		}
		c.logger.WithField("product_id", productID).Warn("corrupted catalog cache entry, refetching")
	case !errors.Is(err, redis.Nil):
		c.logger.WithError(err).WithField("product_id", productID).Warn("catalog cache read failed")
	}

	p, err := c.next.Product(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if data, jerr := json.Marshal(p); jerr == nil {
		if serr := c.client.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			c.logger.WithError(serr).WithField("product_id", productID).Warn("catalog cache write failed")
		}
	}
	return p, nil
}

var _ domain.Catalog = (*CachedCatalog)(nil)
