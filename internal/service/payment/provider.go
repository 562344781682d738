package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultSandboxApprovalURL — страница подтверждения платежа в песочнице провайдера.
const DefaultSandboxApprovalURL = "https://sandbox.payments.local/checkoutnow"

// SandboxProvider — платёжный провайдер без внешних вызовов для локального запуска и тестов.
// Ошибку можно задать заранее, вызовы считаются.
type SandboxProvider struct {
	mu          sync.Mutex
	approvalURL string

	// Err возвращается из CreateIntent, если задан.
	Err   error
	calls int
}

// NewSandboxProvider создаёт песочницу; пустой approvalURL заменяется значением по умолчанию.
func NewSandboxProvider(approvalURL string) *SandboxProvider {
	if approvalURL == "" {
		approvalURL = DefaultSandboxApprovalURL
	}
	return &SandboxProvider{approvalURL: approvalURL}
}

// CreateIntent выдаёт идентификатор платежа и ссылку на подтверждение.
func (p *SandboxProvider) CreateIntent(ctx context.Context, amount decimal.Decimal, returnURL, cancelURL string) (domain.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, err
	}
	if p.Err != nil {
		return domain.PaymentIntent{}, p.Err
	}
	if !amount.IsPositive() {
		return domain.PaymentIntent{}, fmt.Errorf("amount must be positive, got %s", amount)
	}

	id := "PAYID-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:24]
	q := url.Values{}
	q.Set("token", id)
	q.Set("amount", amount.StringFixed(2))
	if returnURL != "" {
		q.Set("return_url", returnURL)
	}
	if cancelURL != "" {
		q.Set("cancel_url", cancelURL)
	}
	return domain.PaymentIntent{
		ProviderPaymentID: id,
		ApprovalURL:       p.approvalURL + "?" + q.Encode(),
	}, nil
}

// Calls возвращает число вызовов CreateIntent.
func (p *SandboxProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ domain.PaymentProvider = (*SandboxProvider)(nil)
