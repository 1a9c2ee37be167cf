package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"github.com/smallbiznis/bookline/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 100

	originManual    = "manual"
	originRecurring = "recurring"
)

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.BillingConfig
	tries       uint
	rules       *config.RulesHolder
	repo        billingdomain.Repository
	paymentRepo paymentdomain.Repository
	gateway     paymentdomain.Gateway
	references  referencedomain.Service
	sales       billingdomain.SaleRecorder
	domain      *metrics.Domain
	batchSize   int
}

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Rules       *config.RulesHolder
	Repo        billingdomain.Repository
	PaymentRepo paymentdomain.Repository
	Gateway     paymentdomain.Gateway
	References  referencedomain.Service
	Sales       billingdomain.SaleRecorder `optional:"true"`
	Domain      *metrics.Domain            `optional:"true"`
}

func NewService(p ServiceParam) billingdomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	cfg := p.Config.Billing
	if cfg.InvoiceDueDays <= 0 {
		cfg.InvoiceDueDays = 7
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 5 * time.Second
	}
	if cfg.DraftGrace <= 0 {
		cfg.DraftGrace = 15 * time.Minute
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("billing.engine"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         cfg,
		tries:       p.Config.Payment.ConflictTries,
		rules:       p.Rules,
		repo:        p.Repo,
		paymentRepo: p.PaymentRepo,
		gateway:     p.Gateway,
		references:  p.References,
		sales:       p.Sales,
		domain:      p.Domain,
		batchSize:   defaultBatchSize,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) UpsertPlan(ctx context.Context, req billingdomain.UpsertPlanRequest) (billingdomain.Plan, error) {
	code := strings.ToLower(strings.TrimSpace(req.Code))
	name := strings.TrimSpace(req.Name)
	if code == "" || name == "" || req.PriceAmount <= 0 {
		return billingdomain.Plan{}, billingdomain.ErrInvalidPlan
	}
	cycle, err := billingdomain.ParseCycle(strings.ToLower(strings.TrimSpace(req.Cycle)))
	if err != nil {
		return billingdomain.Plan{}, err
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return billingdomain.Plan{}, err
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	now := s.now()
	plan := billingdomain.Plan{
		Code:        code,
		Name:        name,
		Cycle:       cycle,
		PriceAmount: req.PriceAmount,
		Currency:    currency,
		IsActive:    active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.UpsertPlan(ctx, s.db, plan); err != nil {
		return billingdomain.Plan{}, err
	}
	s.log.Info("billing.plan.upserted",
		zap.String("plan_code", code),
		zap.String("cycle", string(cycle)),
		zap.Bool("active", active),
	)
	return s.GetPlan(ctx, code)
}

func (s *Service) GetPlan(ctx context.Context, code string) (billingdomain.Plan, error) {
	plan, err := s.repo.FindPlan(ctx, s.db, strings.ToLower(strings.TrimSpace(code)))
	if err != nil {
		return billingdomain.Plan{}, err
	}
	if plan == nil {
		return billingdomain.Plan{}, billingdomain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]billingdomain.Plan, error) {
	return s.repo.ListPlans(ctx, s.db, activeOnly)
}

func (s *Service) CreateInvoice(ctx context.Context, req billingdomain.CreateInvoiceRequest) (billingdomain.Invoice, error) {
	invoice, err := s.buildInvoice(ctx, req, false)
	if err != nil {
		return billingdomain.Invoice{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.InsertInvoice(ctx, tx, *invoice); err != nil {
			return err
		}
		return s.repo.InsertLineItems(ctx, tx, invoice.Lines)
	})
	if err != nil {
		return billingdomain.Invoice{}, err
	}

	s.domain.RecordInvoiceGenerated(originManual)
	s.log.Info("billing.invoice.created",
		zap.String("invoice_id", invoice.InvoiceID.String()),
		zap.String("user_uuid", invoice.UserUUID),
		zap.Int64("total_amount", invoice.TotalAmount),
		zap.String("currency", invoice.Currency),
	)
	return *invoice, nil
}

// buildInvoice prices a draft from local references and the plan catalog. It
// never reaches the owning services.
func (s *Service) buildInvoice(ctx context.Context, req billingdomain.CreateInvoiceRequest, allowInactivePlan bool) (*billingdomain.Invoice, error) {
	userUUID := strings.TrimSpace(req.UserUUID)
	if userUUID == "" {
		return nil, billingdomain.ErrUnknownUser
	}
	if _, err := s.references.RequireActive(ctx, referencedomain.EntityTypeUser, userUUID); err != nil {
		return nil, referenceError(err, billingdomain.ErrUnknownUser, userUUID)
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if len(req.Lines) == 0 {
		return nil, billingdomain.ErrInvalidLineItems
	}

	now := s.now()
	invoiceID := s.genID.Generate()
	lines := make([]billingdomain.LineItem, 0, len(req.Lines))
	amounts := make([]int64, 0, len(req.Lines))
	var subtotal int64
	for i, input := range req.Lines {
		line, err := s.priceLine(ctx, input, currency, allowInactivePlan)
		if err != nil {
			return nil, err
		}
		line.ID = s.genID.Generate()
		line.InvoiceID = invoiceID
		line.LineNo = i + 1
		line.CreatedAt = now
		lines = append(lines, line)
		amounts = append(amounts, line.Amount)
		subtotal += line.Amount
	}

	var discount int64
	var discountCode *string
	if code := strings.TrimSpace(req.DiscountCode); code != "" {
		rule, ok := s.rules.Get().Discount(code)
		if !ok {
			return nil, fmt.Errorf("%w: %s", billingdomain.ErrUnknownDiscount, code)
		}
		discount, err = billingdomain.ComputeDiscount(rule, subtotal, currency)
		if err != nil {
			return nil, err
		}
		normalized := strings.ToUpper(code)
		discountCode = &normalized
	}
	for i, share := range billingdomain.AllocateDiscount(amounts, discount) {
		lines[i].DiscountAmount = share
		lines[i].NetAmount = lines[i].Amount - share
	}

	return &billingdomain.Invoice{
		InvoiceID:      invoiceID,
		UserUUID:       userUUID,
		Currency:       currency,
		SubtotalAmount: subtotal,
		DiscountAmount: discount,
		TotalAmount:    subtotal - discount,
		DiscountCode:   discountCode,
		Status:         billingdomain.InvoiceStatusDraft,
		Version:        1,
		DueAt:          now.AddDate(0, 0, s.cfg.InvoiceDueDays),
		CreatedAt:      now,
		UpdatedAt:      now,
		Lines:          lines,
	}, nil
}

func (s *Service) priceLine(ctx context.Context, input billingdomain.LineInput, currency string, allowInactivePlan bool) (billingdomain.LineItem, error) {
	quantity := input.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return billingdomain.LineItem{}, billingdomain.ErrInvalidQuantity
	}

	switch input.Kind {
	case billingdomain.LineKindBook:
		bookUUID := strings.TrimSpace(input.BookUUID)
		if bookUUID == "" {
			return billingdomain.LineItem{}, billingdomain.ErrInvalidLineItems
		}
		ref, err := s.references.RequireActive(ctx, referencedomain.EntityTypeBook, bookUUID)
		if err != nil {
			return billingdomain.LineItem{}, referenceError(err, billingdomain.ErrUnknownBook, bookUUID)
		}
		book, err := referencedomain.DecodeBook(ref.Payload)
		if err != nil {
			return billingdomain.LineItem{}, err
		}
		if book.Price == nil || book.Price.Amount <= 0 {
			return billingdomain.LineItem{}, fmt.Errorf("%w: %s", billingdomain.ErrBookNotPriced, bookUUID)
		}
		if !strings.EqualFold(book.Price.Currency, currency) {
			return billingdomain.LineItem{}, fmt.Errorf("%w: book %s is priced in %s", billingdomain.ErrCurrencyMismatch, bookUUID, book.Price.Currency)
		}
		return billingdomain.LineItem{
			Kind:        billingdomain.LineKindBook,
			BookUUID:    &bookUUID,
			Description: book.Title,
			Quantity:    quantity,
			UnitAmount:  book.Price.Amount,
			Amount:      book.Price.Amount * int64(quantity),
		}, nil

	case billingdomain.LineKindPlan:
		code := strings.ToLower(strings.TrimSpace(input.PlanCode))
		plan, err := s.repo.FindPlan(ctx, s.db, code)
		if err != nil {
			return billingdomain.LineItem{}, err
		}
		if plan == nil {
			return billingdomain.LineItem{}, fmt.Errorf("%w: %s", billingdomain.ErrPlanNotFound, code)
		}
		if !plan.IsActive && !allowInactivePlan {
			return billingdomain.LineItem{}, fmt.Errorf("%w: %s", billingdomain.ErrPlanInactive, code)
		}
		if !strings.EqualFold(plan.Currency, currency) {
			return billingdomain.LineItem{}, fmt.Errorf("%w: plan %s is priced in %s", billingdomain.ErrCurrencyMismatch, code, plan.Currency)
		}
		return billingdomain.LineItem{
			Kind:        billingdomain.LineKindPlan,
			PlanCode:    &code,
			Description: plan.Name,
			Quantity:    quantity,
			UnitAmount:  plan.PriceAmount,
			Amount:      plan.PriceAmount * int64(quantity),
		}, nil

	default:
		return billingdomain.LineItem{}, billingdomain.ErrInvalidLineItems
	}
}

func (s *Service) GetInvoice(ctx context.Context, id snowflake.ID) (billingdomain.Invoice, error) {
	invoice, err := s.repo.FindInvoice(ctx, s.db, id)
	if err != nil {
		return billingdomain.Invoice{}, err
	}
	if invoice == nil {
		return billingdomain.Invoice{}, billingdomain.ErrInvoiceNotFound
	}
	lines, err := s.repo.FindLineItems(ctx, s.db, id)
	if err != nil {
		return billingdomain.Invoice{}, err
	}
	invoice.Lines = lines
	return *invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, req billingdomain.ListInvoicesRequest) (billingdomain.ListInvoicesResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return billingdomain.ListInvoicesResponse{}, err
	}
	filter := billingdomain.InvoiceFilter{
		UserUUID: strings.TrimSpace(req.UserUUID),
		Status:   billingdomain.InvoiceStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Limit:    page.Limit() + 1,
	}
	if cursor != nil {
		createdAt := cursor.CreatedAt
		filter.BeforeCreatedAt = &createdAt
		filter.BeforeID = snowflake.ID(cursor.ID)
	}

	rows, err := s.repo.ListInvoices(ctx, s.db, filter)
	if err != nil {
		return billingdomain.ListInvoicesResponse{}, err
	}
	rows, info, err := pagination.Page(rows, page.Limit(), func(inv billingdomain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: inv.InvoiceID.Int64(), CreatedAt: inv.CreatedAt}
	})
	if err != nil {
		return billingdomain.ListInvoicesResponse{}, err
	}
	return billingdomain.ListInvoicesResponse{PageInfo: info, Invoices: rows}, nil
}

func (s *Service) withConflictRetry(ctx context.Context, op func(tx *gorm.DB) error) error {
	return pkgdb.RetryOnConflict(ctx, s.tries, func() error {
		return s.db.WithContext(ctx).Transaction(op)
	})
}

func normalizeCurrency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if len(currency) != 3 {
		return "", billingdomain.ErrInvalidCurrency
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", billingdomain.ErrInvalidCurrency
		}
	}
	return currency, nil
}

func isMissingReference(err error) bool {
	return errors.Is(err, referencedomain.ErrReferenceNotFound) || errors.Is(err, referencedomain.ErrReferenceInactive)
}

func referenceError(err error, sentinel error, uuid string) error {
	if isMissingReference(err) {
		return fmt.Errorf("%w: %s", sentinel, uuid)
	}
	return err
}
