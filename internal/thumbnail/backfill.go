package thumbnail

import (
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/thumbnailer/internal/platform/dbctx"
)

// BackfillOptions controls the bulk generate operation.
type BackfillOptions struct {
	// Field filters to a single derived attribute (snake-case name).
	Field string
	// Force rebuilds even when the derived attribute is populated.
	Force bool
	// DryRun reports intent without rendering or writing anything.
	DryRun bool
	// Concurrency bounds parallel per-record rebuilds. Zero means 1.
	Concurrency int
}

// RegenerateOptions controls the regenerate operation. It differs from
// Backfill in that it skips bindings whose policy fingerprint has not
// drifted (unless forced) and rebuilds every record with a source when
// it does run.
type RegenerateOptions struct {
	Field      string
	Force      bool
	DryRun     bool
	ClearCache bool
}

// Report summarizes a bulk operation. Per-record failures are collected
// in Errors and never abort the batch.
type Report struct {
	Processed int
	Generated int
	Errors    []error
}

// Backfill iterates every record of the model whose source attribute is
// populated and rebuilds missing thumbnails, reusing the engine's
// rebuild path and re-entrancy discipline. Records with a populated
// derived attribute are skipped unless Force is set.
func (e *Engine) Backfill(dbc dbctx.Context, model any, opts BackfillOptions) (Report, error) {
	return e.bulk(dbc, model, opts.Field, opts.DryRun, opts.Concurrency, func(dst ImageRef) bool {
		return dst.Present() && !opts.Force
	})
}

// Regenerate rebuilds thumbnails after a declaration change. Bindings
// whose policy fingerprint has not drifted are skipped unless Force is
// set; ClearCache drops the policy fingerprints first so drift is
// always detected. After a successful run the policy fingerprint is
// refreshed.
func (e *Engine) Regenerate(dbc dbctx.Context, model any, opts RegenerateOptions) (Report, error) {
	bound, err := e.boundFor(model, opts.Field)
	if err != nil {
		return Report{}, err
	}

	var total Report
	for _, b := range bound {
		if opts.ClearCache && !opts.DryRun {
			e.cache.delete(dbc.Ctx, b.policyKey)
		}
		if !opts.Force && !e.cache.policyDrifted(dbc.Ctx, b) {
			e.log.Info("policy fingerprint unchanged, skipping",
				"model", b.Model, "attr", b.Attr)
			continue
		}

		report, err := e.bulkBinding(dbc, b, opts.DryRun, 1, func(ImageRef) bool { return false })
		if err != nil {
			return total, err
		}
		total.Processed += report.Processed
		total.Generated += report.Generated
		total.Errors = append(total.Errors, report.Errors...)

		if !opts.DryRun {
			e.cache.storePolicy(dbc.Ctx, b)
		}
	}
	return total, nil
}

func (e *Engine) boundFor(model any, field string) ([]*Binding, error) {
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	all := e.bindingsFor(t)
	if len(all) == 0 {
		return nil, fmt.Errorf("no thumbnail declarations registered for %T", model)
	}
	if field == "" {
		return all, nil
	}
	var bound []*Binding
	for _, b := range all {
		if b.Attr == field || b.Declaration.Field == field {
			bound = append(bound, b)
		}
	}
	if len(bound) == 0 {
		return nil, fmt.Errorf("no thumbnail declaration %q on %T", field, model)
	}
	return bound, nil
}

func (e *Engine) bulk(dbc dbctx.Context, model any, field string, dryRun bool, concurrency int, skip func(dst ImageRef) bool) (Report, error) {
	bound, err := e.boundFor(model, field)
	if err != nil {
		return Report{}, err
	}
	var total Report
	for _, b := range bound {
		report, err := e.bulkBinding(dbc, b, dryRun, concurrency, skip)
		if err != nil {
			return total, err
		}
		total.Processed += report.Processed
		total.Generated += report.Generated
		total.Errors = append(total.Errors, report.Errors...)
	}
	return total, nil
}

// bulkBinding runs one binding over all records whose source attribute
// is populated.
func (e *Engine) bulkBinding(dbc dbctx.Context, b *Binding, dryRun bool, concurrency int, skip func(dst ImageRef) bool) (Report, error) {
	conn := dbc.Tx
	if conn == nil {
		conn = e.db
	}
	if conn == nil {
		return Report{}, fmt.Errorf("engine not installed on a database")
	}

	rows := reflect.New(reflect.SliceOf(reflect.PointerTo(b.modelType)))
	err := conn.WithContext(dbc.Ctx).
		Model(reflect.New(b.modelType).Interface()).
		Where(fmt.Sprintf("%s IS NOT NULL AND %s <> ''", b.srcNameColumn, b.srcNameColumn)).
		Find(rows.Interface()).Error
	if err != nil {
		return Report{}, fmt.Errorf("query %s records: %w", b.Model, err)
	}

	var report Report
	var mu sync.Mutex

	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(dbc.Ctx)
	g.SetLimit(concurrency)

	list := rows.Elem()
	for i := 0; i < list.Len(); i++ {
		rv := list.Index(i).Elem()
		inst := list.Index(i).Interface()

		src := rv.FieldByName(b.Declaration.SourceField).Interface().(ImageRef)
		dst := rv.FieldByName(b.Declaration.Field).Interface().(ImageRef)
		id := fmt.Sprint(rv.FieldByName(b.pkField).Interface())

		if skip(dst) {
			continue
		}
		report.Processed++
		if dryRun {
			e.log.Info("would generate thumbnail",
				"model", b.Model, "id", id, "attr", b.Attr, "source", src.Name)
			continue
		}

		g.Go(func() error {
			flag := inst.(guarded).thumbnailGuard()
			flag.Store(true)
			defer flag.Store(false)

			session := conn.Session(&gorm.Session{NewDB: true})
			if err := e.rebuild(gctx, session, rv, b, src); err != nil {
				mu.Lock()
				report.Errors = append(report.Errors,
					fmt.Errorf("%s(id=%s): %w", b.Model, id, err))
				mu.Unlock()
				e.log.Error("thumbnail backfill failed",
					"model", b.Model, "id", id, "attr", b.Attr, "error", err)
				return nil
			}
			e.cache.storeSource(gctx, b, id, src)
			mu.Lock()
			report.Generated++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info("bulk thumbnail pass finished",
		"model", b.Model, "attr", b.Attr,
		"processed", report.Processed, "generated", report.Generated, "errors", len(report.Errors))
	return report, nil
}
