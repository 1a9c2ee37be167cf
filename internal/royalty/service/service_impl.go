package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	obsmetrics "github.com/smallbiznis/bookline/internal/observability/metrics"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"github.com/smallbiznis/bookline/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	rateScale          = 6
	defaultPeriodLimit = 24
	maxPeriodLimit     = 240
	adjustmentReason   = "recomputed"
)

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	tries         uint
	rules         *config.RulesHolder
	repo          royaltydomain.Repository
	references    referencedomain.Service
	referenceRepo referencedomain.Repository
	obsMetrics    *obsmetrics.Metrics
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	Rules         *config.RulesHolder
	Repo          royaltydomain.Repository
	References    referencedomain.Service
	ReferenceRepo referencedomain.Repository
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("royalty.calculator"),
		genID:         p.GenID,
		clock:         p.Clock,
		tries:         p.Config.Payment.ConflictTries,
		rules:         p.Rules,
		repo:          p.Repo,
		references:    p.References,
		referenceRepo: p.ReferenceRepo,
		obsMetrics:    p.ObsMetrics,
	}
}

// RecordSale attributes the net amount of a paid book line to the book's
// authors. It runs inside the paid transition and only reads through tx.
func (s *Service) RecordSale(ctx context.Context, tx *gorm.DB, invoice *billingdomain.Invoice, line billingdomain.LineItem) error {
	if line.Kind != billingdomain.LineKindBook || line.BookUUID == nil {
		return nil
	}
	bookUUID := *line.BookUUID

	ref, err := s.referenceRepo.FindByUUID(ctx, tx, bookUUID)
	if err != nil {
		return err
	}
	if ref == nil || ref.EntityType != referencedomain.EntityTypeBook {
		s.log.Warn("royalty.sale.unattributed",
			zap.String("invoice_id", invoice.InvoiceID.String()),
			zap.String("book_uuid", bookUUID),
			zap.String("reason", "book_missing"),
		)
		return nil
	}
	book, err := referencedomain.DecodeBook(ref.Payload)
	if err != nil {
		return fmt.Errorf("decode book %s: %w", bookUUID, err)
	}
	if len(book.Authors) == 0 {
		s.log.Warn("royalty.sale.unattributed",
			zap.String("invoice_id", invoice.InvoiceID.String()),
			zap.String("book_uuid", bookUUID),
			zap.String("reason", "no_authors"),
		)
		return nil
	}

	tier := strings.TrimSpace(book.Tier)
	if tier == "" {
		tier = "standard"
	}
	var bookRate decimal.NullDecimal
	if raw := strings.TrimSpace(book.RoyaltyRate); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%w: book %s", royaltydomain.ErrInvalidRate, bookUUID)
		}
		bookRate = decimal.NewNullDecimal(rate)
	}

	soldAt := s.clock.Now().UTC()
	if invoice.PaidAt != nil {
		soldAt = invoice.PaidAt.UTC()
	}
	now := s.clock.Now().UTC()
	net := decimal.NewFromInt(line.NetAmount)
	for _, share := range splitShares(book.Authors) {
		sale := royaltydomain.Sale{
			ID:               s.genID.Generate(),
			LineItemID:       line.ID,
			InvoiceID:        invoice.InvoiceID,
			AuthorUUID:       share.AuthorUUID,
			BookUUID:         bookUUID,
			RoyaltyTier:      tier,
			BookRate:         bookRate,
			Currency:         invoice.Currency,
			ShareBps:         share.ShareBps,
			NetAmount:        line.NetAmount,
			AttributedAmount: net.Mul(decimal.NewFromInt(int64(share.ShareBps))).Div(decimal.NewFromInt(referencedomain.FullShareBps)),
			SoldAt:           soldAt,
			CreatedAt:        now,
		}
		inserted, err := s.repo.InsertSale(ctx, tx, sale)
		if err != nil {
			return err
		}
		if !inserted {
			s.log.Debug("royalty.sale.duplicate",
				zap.String("line_item_id", line.ID.String()),
				zap.String("author_uuid", share.AuthorUUID),
			)
		}
	}
	return nil
}

// splitShares spreads a full share evenly with the largest remainder when no
// author carries an explicit share.
func splitShares(authors []referencedomain.AuthorShare) []referencedomain.AuthorShare {
	out := make([]referencedomain.AuthorShare, len(authors))
	copy(out, authors)
	total := 0
	for _, a := range out {
		total += a.ShareBps
	}
	if total > 0 {
		return out
	}
	base := referencedomain.FullShareBps / len(out)
	rest := referencedomain.FullShareBps % len(out)
	for i := range out {
		out[i].ShareBps = base
		if i < rest {
			out[i].ShareBps++
		}
	}
	return out
}

type statementKey struct {
	author   string
	currency string
}

type statement struct {
	key     statementKey
	gross   decimal.Decimal
	raw     decimal.Decimal
	payable int64
	rate    decimal.Decimal
	count   int
}

func (s *Service) ComputeRoyalties(ctx context.Context, start, end time.Time) (royaltydomain.ComputeResult, error) {
	start, end, err := normalizePeriod(start, end)
	if err != nil {
		return royaltydomain.ComputeResult{}, err
	}

	sales, err := s.repo.ListSales(ctx, s.db, start, end)
	if err != nil {
		return royaltydomain.ComputeResult{}, err
	}
	statements, err := s.aggregate(ctx, sales)
	if err != nil {
		return royaltydomain.ComputeResult{}, err
	}

	result := royaltydomain.ComputeResult{PeriodStart: start, PeriodEnd: end, Statements: []royaltydomain.StatementResult{}}
	for _, st := range statements {
		var res royaltydomain.StatementResult
		err := pkgdb.RetryOnConflict(ctx, s.tries, func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var err error
				res, err = s.persistStatement(ctx, tx, start, end, st)
				return err
			})
		})
		if err != nil {
			return result, fmt.Errorf("author %s %s: %w", st.key.author, st.key.currency, err)
		}
		s.obsMetrics.RecordRoyaltyStatement(ctx, st.key.currency, string(res.Outcome))
		result.Statements = append(result.Statements, res)
	}

	s.log.Info("royalty.compute.finish",
		zap.Time("period_start", start),
		zap.Time("period_end", end),
		zap.Int("sales", len(sales)),
		zap.Int("statements", len(result.Statements)),
	)
	return result, nil
}

// aggregate folds sales into one statement per author and currency, in a
// stable order so reruns write the same rows.
func (s *Service) aggregate(ctx context.Context, sales []royaltydomain.Sale) ([]statement, error) {
	if len(sales) == 0 {
		return nil, nil
	}
	rules := s.rules.Get().Royalty

	authorUUIDs := []string{}
	seen := map[string]bool{}
	for _, sale := range sales {
		if !seen[sale.AuthorUUID] {
			seen[sale.AuthorUUID] = true
			authorUUIDs = append(authorUUIDs, sale.AuthorUUID)
		}
	}
	overrides, err := s.authorOverrides(ctx, authorUUIDs)
	if err != nil {
		return nil, err
	}

	byKey := map[statementKey]*statement{}
	keys := []statementKey{}
	for _, sale := range sales {
		override, hasOverride := overrides[sale.AuthorUUID]
		rate, err := saleRate(rules, override, hasOverride, sale)
		if err != nil {
			return nil, err
		}
		key := statementKey{author: sale.AuthorUUID, currency: sale.Currency}
		st, ok := byKey[key]
		if !ok {
			st = &statement{key: key}
			byKey[key] = st
			keys = append(keys, key)
		}
		st.gross = st.gross.Add(sale.AttributedAmount)
		st.raw = st.raw.Add(sale.AttributedAmount.Mul(rate))
		st.count++
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].author != keys[j].author {
			return keys[i].author < keys[j].author
		}
		return keys[i].currency < keys[j].currency
	})

	out := make([]statement, 0, len(keys))
	for _, key := range keys {
		st := byKey[key]
		if strings.EqualFold(rules.Rounding, config.RoundingCeiling) {
			st.payable = st.raw.Ceil().IntPart()
		} else {
			st.payable = st.raw.Floor().IntPart()
		}
		st.rate = decimal.Zero
		if !st.gross.IsZero() {
			st.rate = st.raw.Div(st.gross).Round(rateScale)
		}
		out = append(out, *st)
	}
	return out, nil
}

// authorOverrides reads the per-author rate carried on author references.
func (s *Service) authorOverrides(ctx context.Context, authorUUIDs []string) (map[string]decimal.Decimal, error) {
	refs, err := s.references.Lookup(ctx, referencedomain.EntityTypeAuthor, authorUUIDs)
	if err != nil {
		return nil, err
	}
	out := map[string]decimal.Decimal{}
	for _, ref := range refs {
		author, err := referencedomain.DecodeAuthor(ref.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode author %s: %w", ref.EntityUUID, err)
		}
		raw := strings.TrimSpace(author.RoyaltyRate)
		if raw == "" {
			continue
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: author %s", royaltydomain.ErrInvalidRate, ref.EntityUUID)
		}
		out[ref.EntityUUID] = rate
	}
	return out, nil
}

// saleRate picks the first configured rate: the author reference, the
// author table in rules, the book reference, the tier table, then the default.
func saleRate(rules config.RoyaltyRules, override decimal.Decimal, hasOverride bool, sale royaltydomain.Sale) (decimal.Decimal, error) {
	if hasOverride {
		return override, nil
	}
	if raw, ok := rules.AuthorRates[sale.AuthorUUID]; ok && strings.TrimSpace(raw) != "" {
		return parseRate(raw)
	}
	if sale.BookRate.Valid {
		return sale.BookRate.Decimal, nil
	}
	if raw, ok := rules.TierRates[sale.RoyaltyTier]; ok && strings.TrimSpace(raw) != "" {
		return parseRate(raw)
	}
	return parseRate(rules.DefaultRate)
}

func parseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", royaltydomain.ErrInvalidRate, raw)
	}
	return rate, nil
}

// persistStatement writes one statement under the correction policy: a new
// row when none exists, a superseding revision while still computed, and an
// adjustment entry once approved or paid.
func (s *Service) persistStatement(ctx context.Context, tx *gorm.DB, start, end time.Time, st statement) (royaltydomain.StatementResult, error) {
	res := royaltydomain.StatementResult{AuthorUUID: st.key.author, Currency: st.key.currency, PayableAmount: st.payable}
	now := s.clock.Now().UTC()

	current, err := s.repo.FindCurrent(ctx, tx, st.key.author, start, end, st.key.currency)
	if err != nil {
		return res, err
	}

	next := royaltydomain.AuthorRoyalty{
		RoyaltyID:     s.genID.Generate(),
		AuthorUUID:    st.key.author,
		PeriodStart:   start,
		PeriodEnd:     end,
		Currency:      st.key.currency,
		GrossAmount:   st.gross,
		RateApplied:   st.rate,
		PayableAmount: st.payable,
		SalesCount:    st.count,
		Status:        royaltydomain.RoyaltyStatusComputed,
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if current == nil {
		if err := s.insertRoyalty(ctx, tx, next); err != nil {
			return res, err
		}
		res.RoyaltyID = next.RoyaltyID
		res.Outcome = royaltydomain.OutcomeCreated
		return res, nil
	}

	res.RoyaltyID = current.RoyaltyID
	switch current.Status {
	case royaltydomain.RoyaltyStatusComputed:
		if sameTotals(current, st) {
			res.Outcome = royaltydomain.OutcomeUnchanged
			return res, nil
		}
		ok, err := s.repo.TransitionRoyalty(ctx, tx, current.RoyaltyID, royaltydomain.RoyaltyStatusComputed, royaltydomain.RoyaltyStatusSuperseded, now)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, pkgdb.ErrVersionConflict
		}
		supersedes := current.RoyaltyID
		next.Revision = current.Revision + 1
		next.SupersedesID = &supersedes
		if err := s.insertRoyalty(ctx, tx, next); err != nil {
			return res, err
		}
		s.log.Info("royalty.statement.revised",
			zap.String("author_uuid", st.key.author),
			zap.String("currency", st.key.currency),
			zap.Int("revision", next.Revision),
			zap.Int64("payable_amount", st.payable),
		)
		res.RoyaltyID = next.RoyaltyID
		res.Outcome = royaltydomain.OutcomeRevised
		return res, nil

	default:
		adjusted, err := s.repo.SumAdjustments(ctx, tx, current.RoyaltyID)
		if err != nil {
			return res, err
		}
		delta := st.payable - (current.PayableAmount + adjusted)
		if delta == 0 {
			res.Outcome = royaltydomain.OutcomeUnchanged
			return res, nil
		}
		adj := royaltydomain.Adjustment{
			ID:          s.genID.Generate(),
			RoyaltyID:   current.RoyaltyID,
			AuthorUUID:  st.key.author,
			Currency:    st.key.currency,
			DeltaAmount: delta,
			Reason:      adjustmentReason,
			Fingerprint: adjustmentFingerprint(current.RoyaltyID, st, adjusted),
			CreatedAt:   now,
		}
		inserted, err := s.repo.InsertAdjustment(ctx, tx, adj)
		if err != nil {
			return res, err
		}
		if !inserted {
			return res, pkgdb.ErrVersionConflict
		}
		s.log.Info("royalty.statement.adjusted",
			zap.String("royalty_id", current.RoyaltyID.String()),
			zap.String("status", string(current.Status)),
			zap.Int64("delta_amount", delta),
		)
		res.AdjustmentID = &adj.ID
		res.Outcome = royaltydomain.OutcomeAdjusted
		return res, nil
	}
}

func (s *Service) insertRoyalty(ctx context.Context, tx *gorm.DB, royalty royaltydomain.AuthorRoyalty) error {
	err := s.repo.InsertRoyalty(ctx, tx, royalty)
	if pkgdb.IsDuplicateKeyErr(err) {
		return pkgdb.ErrVersionConflict
	}
	return err
}

func sameTotals(current *royaltydomain.AuthorRoyalty, st statement) bool {
	return current.PayableAmount == st.payable &&
		current.SalesCount == st.count &&
		current.GrossAmount.Round(rateScale).Equal(st.gross.Round(rateScale)) &&
		current.RateApplied.Round(rateScale).Equal(st.rate.Round(rateScale))
}

// adjustmentFingerprint identifies one correction of a statement so that
// concurrent reruns insert it once.
func adjustmentFingerprint(royaltyID snowflake.ID, st statement, adjusted int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d:%d", royaltyID, st.gross.StringFixed(rateScale), st.payable, adjusted)))
	return hex.EncodeToString(sum[:])
}

func (s *Service) ApproveRoyalty(ctx context.Context, id snowflake.ID) (royaltydomain.AuthorRoyalty, error) {
	return s.transition(ctx, id, royaltydomain.RoyaltyStatusComputed, royaltydomain.RoyaltyStatusApproved, "approve")
}

func (s *Service) MarkRoyaltyPaid(ctx context.Context, id snowflake.ID) (royaltydomain.AuthorRoyalty, error) {
	return s.transition(ctx, id, royaltydomain.RoyaltyStatusApproved, royaltydomain.RoyaltyStatusPaid, "pay")
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, from, to royaltydomain.RoyaltyStatus, action string) (royaltydomain.AuthorRoyalty, error) {
	var out royaltydomain.AuthorRoyalty
	err := pkgdb.RetryOnConflict(ctx, s.tries, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			royalty, err := s.repo.FindRoyalty(ctx, tx, id)
			if err != nil {
				return err
			}
			if royalty == nil {
				return royaltydomain.ErrRoyaltyNotFound
			}
			if royalty.Status != from {
				return &billingdomain.InvalidStateError{Entity: "royalty", ID: id.String(), Status: string(royalty.Status), Action: action}
			}
			now := s.clock.Now().UTC()
			ok, err := s.repo.TransitionRoyalty(ctx, tx, id, from, to, now)
			if err != nil {
				return err
			}
			if !ok {
				return pkgdb.ErrVersionConflict
			}
			royalty.Status = to
			royalty.UpdatedAt = now
			switch to {
			case royaltydomain.RoyaltyStatusApproved:
				royalty.ApprovedAt = &now
			case royaltydomain.RoyaltyStatusPaid:
				royalty.PaidAt = &now
			}
			out = *royalty
			return nil
		})
	})
	if err != nil {
		return royaltydomain.AuthorRoyalty{}, err
	}
	s.log.Info("royalty.statement."+string(to),
		zap.String("royalty_id", id.String()),
		zap.String("author_uuid", out.AuthorUUID),
		zap.Int64("payable_amount", out.PayableAmount),
	)
	return out, nil
}

func (s *Service) GetRoyalty(ctx context.Context, id snowflake.ID) (royaltydomain.AuthorRoyalty, error) {
	royalty, err := s.repo.FindRoyalty(ctx, s.db, id)
	if err != nil {
		return royaltydomain.AuthorRoyalty{}, err
	}
	if royalty == nil {
		return royaltydomain.AuthorRoyalty{}, royaltydomain.ErrRoyaltyNotFound
	}
	return *royalty, nil
}

func (s *Service) ListRoyalties(ctx context.Context, req royaltydomain.ListRoyaltiesRequest) (royaltydomain.ListRoyaltiesResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return royaltydomain.ListRoyaltiesResponse{}, err
	}
	filter := royaltydomain.RoyaltyFilter{
		AuthorUUID: strings.TrimSpace(req.AuthorUUID),
		Limit:      page.Limit() + 1,
	}
	if raw := strings.ToLower(strings.TrimSpace(req.Status)); raw != "" {
		status, err := royaltydomain.ParseRoyaltyStatus(raw)
		if err != nil {
			return royaltydomain.ListRoyaltiesResponse{}, err
		}
		filter.Status = status
	}
	if req.PeriodStart != nil {
		start := req.PeriodStart.UTC()
		filter.PeriodStart = &start
	}
	if req.PeriodEnd != nil {
		end := req.PeriodEnd.UTC()
		filter.PeriodEnd = &end
	}
	if cursor != nil {
		createdAt := cursor.CreatedAt
		filter.BeforeCreatedAt = &createdAt
		filter.BeforeID = snowflake.ID(cursor.ID)
	}

	rows, err := s.repo.ListRoyalties(ctx, s.db, filter)
	if err != nil {
		return royaltydomain.ListRoyaltiesResponse{}, err
	}
	rows, info, err := pagination.Page(rows, page.Limit(), func(r royaltydomain.AuthorRoyalty) pagination.Cursor {
		return pagination.Cursor{ID: r.RoyaltyID.Int64(), CreatedAt: r.CreatedAt}
	})
	if err != nil {
		return royaltydomain.ListRoyaltiesResponse{}, err
	}
	return royaltydomain.ListRoyaltiesResponse{PageInfo: info, Royalties: rows}, nil
}

func (s *Service) ListAdjustments(ctx context.Context, id snowflake.ID) ([]royaltydomain.Adjustment, error) {
	if _, err := s.GetRoyalty(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAdjustments(ctx, s.db, id)
}

func (s *Service) ClosePeriod(ctx context.Context, start, end time.Time) (royaltydomain.Period, error) {
	start, end, err := normalizePeriod(start, end)
	if err != nil {
		return royaltydomain.Period{}, err
	}
	existing, err := s.repo.FindPeriod(ctx, s.db, start, end)
	if err != nil {
		return royaltydomain.Period{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	result, err := s.ComputeRoyalties(ctx, start, end)
	if err != nil {
		return royaltydomain.Period{}, err
	}
	period := royaltydomain.Period{
		ID:          s.genID.Generate(),
		PeriodStart: start,
		PeriodEnd:   end,
		Statements:  len(result.Statements),
		ClosedAt:    s.clock.Now().UTC(),
	}
	inserted, err := s.repo.InsertPeriod(ctx, s.db, period)
	if err != nil {
		return royaltydomain.Period{}, err
	}
	if !inserted {
		existing, err := s.repo.FindPeriod(ctx, s.db, start, end)
		if err != nil {
			return royaltydomain.Period{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}
	s.log.Info("royalty.period.closed",
		zap.Time("period_start", start),
		zap.Time("period_end", end),
		zap.Int("statements", period.Statements),
	)
	return period, nil
}

func (s *Service) CloseDuePeriods(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, -1, 0)

	existing, err := s.repo.FindPeriod(ctx, s.db, start, end)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, nil
	}
	if _, err := s.ClosePeriod(ctx, start, end); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Service) ListPeriods(ctx context.Context, limit int) ([]royaltydomain.Period, error) {
	switch {
	case limit <= 0:
		limit = defaultPeriodLimit
	case limit > maxPeriodLimit:
		limit = maxPeriodLimit
	}
	return s.repo.ListPeriods(ctx, s.db, limit)
}

func normalizePeriod(start, end time.Time) (time.Time, time.Time, error) {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return time.Time{}, time.Time{}, royaltydomain.ErrInvalidPeriod
	}
	return start.UTC(), end.UTC(), nil
}
