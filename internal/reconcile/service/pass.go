package service

import (
	"context"

	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	referenceservice "github.com/smallbiznis/bookline/internal/reference/service"
	"go.uber.org/zap"
)

// pass carries the state of one reconciliation run.
type pass struct {
	*Service

	run        *reconciledomain.Run
	entityType referencedomain.EntityType
	source     reconciledomain.AuthoritativeSource
	parked     map[string]struct{}
	log        *zap.Logger
}

// sample checks entities with parked deliveries first, then the references
// synced longest ago.
func (p *pass) sample(ctx context.Context, size int) error {
	if err := p.loadParked(ctx); err != nil {
		return err
	}
	uuids := make([]string, 0, len(p.parked)+size)
	for uuid := range p.parked {
		uuids = append(uuids, uuid)
	}
	oldest, err := p.refs.Sample(ctx, p.entityType, size)
	if err != nil {
		return err
	}
	for _, ref := range oldest {
		if _, ok := p.parked[ref.EntityUUID]; !ok {
			uuids = append(uuids, ref.EntityUUID)
		}
	}
	if len(uuids) == 0 {
		return nil
	}

	heads, err := p.source.Lookup(ctx, p.entityType, uuids)
	if err != nil {
		return err
	}
	if err := p.check(ctx, heads); err != nil {
		return err
	}
	return p.refs.MarkChecked(ctx, uuids, p.clock.Now())
}

// full walks every head the source holds, which also finds references that
// were never delivered.
func (p *pass) full(ctx context.Context) error {
	if err := p.loadParked(ctx); err != nil {
		return err
	}
	after := ""
	for {
		heads, err := p.source.Page(ctx, p.entityType, after, pageSize)
		if err != nil {
			return err
		}
		if len(heads) == 0 {
			return nil
		}
		if err := p.check(ctx, heads); err != nil {
			return err
		}
		uuids := make([]string, 0, len(heads))
		for _, head := range heads {
			uuids = append(uuids, head.EntityUUID)
		}
		if err := p.refs.MarkChecked(ctx, uuids, p.clock.Now()); err != nil {
			return err
		}
		if len(heads) < pageSize {
			return nil
		}
		after = heads[len(heads)-1].EntityUUID
	}
}

func (p *pass) loadParked(ctx context.Context) error {
	parked, err := p.dispatcher.ListParked(ctx, p.run.Subscriber, string(p.entityType), parkedScanLimit)
	if err != nil {
		return err
	}
	for _, delivery := range parked {
		p.parked[delivery.EntityUUID] = struct{}{}
	}
	return nil
}

func (p *pass) check(ctx context.Context, heads []reconciledomain.Head) error {
	uuids := make([]string, 0, len(heads))
	for _, head := range heads {
		uuids = append(uuids, head.EntityUUID)
	}
	refs, err := p.refs.Lookup(ctx, p.entityType, uuids)
	if err != nil {
		return err
	}
	byUUID := make(map[string]referencedomain.EntityReference, len(refs))
	for _, ref := range refs {
		byUUID[ref.EntityUUID] = ref
	}

	for _, head := range heads {
		if head.EntityType != p.entityType {
			continue
		}
		p.run.Checked++
		var current *referencedomain.EntityReference
		if ref, ok := byUUID[head.EntityUUID]; ok {
			current = &ref
		}

		kind, drifted, err := classify(current, head)
		if err != nil {
			p.log.Warn("reconcile.head_invalid", zap.String("entity_uuid", head.EntityUUID), zap.Error(err))
			continue
		}
		if drifted {
			accepted, err := p.repair(ctx, current, head, kind)
			if err != nil {
				return err
			}
			// parked deliveries stay open until a valid head replaces them
			if !accepted {
				continue
			}
		}
		if current == nil || current.SourceVersion <= head.SourceVersion {
			if err := p.resolve(ctx, head); err != nil {
				return err
			}
		}
	}
	return nil
}

// repair applies head and reports false when the store rejected it as invalid.
func (p *pass) repair(ctx context.Context, current *referencedomain.EntityReference, head reconciledomain.Head, kind reconciledomain.DriftKind) (bool, error) {
	finding := reconciledomain.Finding{
		EntityUUID:    head.EntityUUID,
		Kind:          kind,
		SourceVersion: head.SourceVersion,
	}
	if current != nil {
		finding.LocalVersion = current.SourceVersion
	}
	if kind == reconciledomain.DriftMissing {
		p.run.Missing++
	} else {
		p.run.Drifted++
	}
	p.domain.RecordDrift(p.run.Subscriber, p.run.EntityType, string(kind))

	outcome, err := p.refs.Repair(ctx, head.Change())
	if err != nil {
		if referenceservice.IsValidationError(err) {
			p.log.Warn("reconcile.repair_rejected", zap.String("entity_uuid", head.EntityUUID), zap.Error(err))
			p.run.Findings = append(p.run.Findings, finding)
			return false, nil
		}
		return false, err
	}
	if outcome == referencedomain.ApplyOutcomeApplied {
		finding.Repaired = true
		p.run.Repaired++
		p.domain.RecordRepaired(p.run.Subscriber, p.run.EntityType)
	}
	p.run.Findings = append(p.run.Findings, finding)
	p.log.Debug("reconcile.repaired",
		zap.String("entity_uuid", head.EntityUUID),
		zap.String("kind", string(kind)),
		zap.Int64("local_version", finding.LocalVersion),
		zap.Int64("source_version", head.SourceVersion),
		zap.String("outcome", string(outcome)),
	)
	return true, nil
}

// resolve closes parked deliveries of an entity the store now holds at or
// above their version.
func (p *pass) resolve(ctx context.Context, head reconciledomain.Head) error {
	if _, ok := p.parked[head.EntityUUID]; !ok {
		return nil
	}
	resolved, err := p.dispatcher.ResolveParked(ctx, p.run.Subscriber, head.EntityUUID, head.SourceVersion)
	if err != nil {
		return err
	}
	p.run.Resolved += int(resolved)
	return nil
}

// classify compares the local copy with the source head. A copy ahead of the
// source is left alone.
func classify(current *referencedomain.EntityReference, head reconciledomain.Head) (reconciledomain.DriftKind, bool, error) {
	if current == nil {
		return reconciledomain.DriftMissing, true, nil
	}
	if current.SourceVersion < head.SourceVersion {
		return reconciledomain.DriftBehind, true, nil
	}
	if current.SourceVersion > head.SourceVersion {
		return "", false, nil
	}

	expected, err := referencedomain.ValidatePayload(head.EntityType, head.Operation, head.Payload)
	if err != nil {
		return "", false, err
	}
	if current.IsActive != expected.Active {
		return reconciledomain.DriftDiverged, true, nil
	}
	// a bare delete carries no content to compare
	if expected.Payload == nil {
		return "", false, nil
	}
	if !referencedomain.JSONEqual(current.Payload, expected.Payload) ||
		!referencedomain.JSONEqual(current.DisplayFields, expected.DisplayFields) {
		return reconciledomain.DriftDiverged, true, nil
	}
	return "", false, nil
}
