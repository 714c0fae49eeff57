// Package txn implements the batch/transaction bundle executor (C9,
// spec.md §4.8): parsing a Bundle of sub-requests, rewriting internal
// (urn:uuid and conditional) references, ordering entries so a referenced
// resource is written before its referrer, and running the whole thing in
// one SQL transaction for Bundle.type=transaction (or independently,
// entry-by-entry, for Bundle.type=batch).
package txn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// Executor runs batch and transaction Bundles against a Store, using Engine
// to resolve If-None-Exist and the shared compartment.Resolver (spec.md
// §4.12) to resolve urn:uuid/conditional references during the rewrite
// pass.
type Executor struct {
	pool     *pgxpool.Pool
	store    *store.Store
	engine   *search.Engine
	resolver *compartment.Resolver
}

func NewExecutor(pool *pgxpool.Pool, st *store.Store, engine *search.Engine) *Executor {
	return &Executor{pool: pool, store: st, engine: engine, resolver: compartment.NewResolver(engine)}
}

// Execute dispatches bundle.Type ("batch" or "transaction") to the matching
// strategy and returns the response Bundle (spec.md §4.8).
func (x *Executor) Execute(ctx context.Context, tenantID string, bundle *fhirmodel.Bundle) (*fhirmodel.Bundle, error) {
	switch bundle.Type {
	case "batch":
		return x.executeBatch(ctx, tenantID, bundle)
	case "transaction":
		return x.executeTransaction(ctx, tenantID, bundle)
	default:
		return nil, errs.New(errs.Validation, "unsupported Bundle.type %q; expected batch or transaction", bundle.Type)
	}
}

// executeBatch runs every entry independently under its own short
// transaction (via Store's per-call inTx); one entry's failure produces an
// error response for that entry only and never rolls back its siblings.
func (x *Executor) executeBatch(ctx context.Context, tenantID string, bundle *fhirmodel.Bundle) (*fhirmodel.Bundle, error) {
	entries := make([]fhirmodel.BundleEntry, len(bundle.Entry))
	for i, src := range bundle.Entry {
		plan, err := parseEntry(i, src)
		if err != nil {
			entries[i] = fhirmodel.BundleEntry{Response: errorResponse(err)}
			continue
		}
		resp, err := x.runEntry(ctx, tenantID, plan)
		if err != nil {
			entries[i] = fhirmodel.BundleEntry{Response: errorResponse(err)}
			continue
		}
		entries[i] = resp
	}
	return fhirmodel.NewBatchResponse(entries), nil
}

// executeTransaction runs the full plan → rewrite → order → execute
// pipeline inside one SQL transaction; any entry failure aborts the whole
// transaction (spec.md §4.8 steps 1-5).
func (x *Executor) executeTransaction(ctx context.Context, tenantID string, bundle *fhirmodel.Bundle) (*fhirmodel.Bundle, error) {
	plans := make([]*plannedEntry, len(bundle.Entry))
	for i, src := range bundle.Entry {
		plan, err := parseEntry(i, src)
		if err != nil {
			return nil, err
		}
		plans[i] = plan
	}

	tx, err := x.pool.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	txCtx := db.WithTx(ctx, tx)

	idMap, err := assignIDs(plans)
	if err != nil {
		return nil, err
	}
	if err := x.rewriteReferences(txCtx, tenantID, plans, idMap); err != nil {
		return nil, err
	}

	order, err := topoOrder(plans)
	if err != nil {
		return nil, err
	}

	responses := make([]fhirmodel.BundleEntry, len(plans))
	for _, idx := range order {
		resp, err := x.runEntry(txCtx, tenantID, plans[idx])
		if err != nil {
			return nil, errs.WithSubject(errs.KindOf(err), plans[idx].request.URL,
				"transaction entry %d (%s %s) failed: %v",
				idx, plans[idx].request.Method, plans[idx].request.URL, err)
		}
		responses[idx] = resp
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.Database, err, "commit transaction")
	}
	committed = true

	return fhirmodel.NewTransactionResponse(responses), nil
}

func errorResponse(err error) *fhirmodel.BundleResponse {
	kind := errs.KindOf(err)
	return &fhirmodel.BundleResponse{
		Status:  statusForKind(kind),
		Outcome: fhirmodel.NewOperationOutcome("error", string(kind), err.Error()),
	}
}

// statusForKind renders kind as a BundleEntry.response.status string
// ("<code> <reason>"), reusing errs.HTTPStatus so a batch entry's status
// always matches what the same failure would render as on the direct REST
// surface.
func statusForKind(kind errs.Kind) string {
	code := errs.HTTPStatus(kind)
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}

func nowHeader() string {
	return time.Now().UTC().Format(time.RFC1123)
}
