// Package exporter produces compliance report files from the audit ledger.
//
// Exports are read-only projections: every export re-verifies the covered
// chain range and carries the verification summary inside the output, so a
// report over a tampered range can never look clean.
package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"attest/internal/ledger"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
)

// Format selects the export serialization.
type Format string

const (
	// FormatCSV is row-per-event tabular output with a verification comment
	// header.
	FormatCSV Format = "csv"
	// FormatJSON nests events under a verification summary object.
	FormatJSON Format = "json"
)

// Ledger is the read surface the exporter consumes.
type Ledger interface {
	List(ctx context.Context, f ledger.Filter) ([]*ledger.AuditEvent, error)
	VerifyChain(ctx context.Context, chainID id.ChainID, fromSeq, toSeq int64) (ledger.VerificationResult, error)
}

// Exporter projects ledger ranges into report files.
type Exporter struct {
	ledger Ledger
}

// New builds an exporter over the given ledger.
func New(l Ledger) *Exporter {
	return &Exporter{ledger: l}
}

type jsonExport struct {
	GeneratedAt  time.Time                 `json:"generated_at"`
	Verification ledger.VerificationResult `json:"verification"`
	Events       []*ledger.AuditEvent      `json:"events"`
}

// Export serializes the events matching f in the requested format. The
// filter must name a chain: verification is a per-chain walk and an export
// without a verification summary would violate the reporting contract.
func (e *Exporter) Export(ctx context.Context, f ledger.Filter, format Format) ([]byte, ledger.VerificationResult, error) {
	if f.ChainID == "" {
		return nil, ledger.VerificationResult{}, dErrors.New(dErrors.CodeInvalidInput, "export requires a chain_id")
	}

	verification, err := e.ledger.VerifyChain(ctx, f.ChainID, f.FromSeq, f.ToSeq)
	if err != nil {
		return nil, ledger.VerificationResult{}, err
	}

	events, err := e.ledger.List(ctx, f)
	if err != nil {
		return nil, ledger.VerificationResult{}, err
	}

	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(jsonExport{
			GeneratedAt:  time.Now().UTC(),
			Verification: verification,
			Events:       events,
		}, "", "  ")
		if err != nil {
			return nil, ledger.VerificationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "marshal export")
		}
		return out, verification, nil
	case FormatCSV:
		out, err := writeCSV(verification, events)
		if err != nil {
			return nil, ledger.VerificationResult{}, err
		}
		return out, verification, nil
	default:
		return nil, ledger.VerificationResult{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown export format %q", format)
	}
}

func writeCSV(verification ledger.VerificationResult, events []*ledger.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer

	// Verification summary travels with the data as comment lines.
	fmt.Fprintf(&buf, "# chain_id=%s valid=%t events_checked=%d\n",
		verification.ChainID, verification.IsValid, verification.EventsChecked)
	if !verification.IsValid {
		fmt.Fprintf(&buf, "# INTEGRITY VIOLATION first_broken_sequence=%d stored_hash=%s computed_hash=%s\n",
			verification.FirstBrokenSequence, verification.StoredHash, verification.ComputedHash)
	}

	w := csv.NewWriter(&buf)
	header := []string{
		"id", "event_type", "timestamp", "timestamp_source",
		"actor_id", "client_ip", "user_agent",
		"resource_type", "resource_id", "resource_name",
		"details", "reason", "chain_id", "sequence", "prev_hash", "event_hash",
	}
	if err := w.Write(header); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "write export header")
	}

	for _, ev := range events {
		var actor string
		if !ev.ActorID.IsNil() {
			actor = ev.ActorID.String()
		}
		var details string
		if ev.Details != nil {
			b, err := json.Marshal(ev.Details)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "marshal event details")
			}
			details = string(b)
		}
		record := []string{
			ev.ID.String(), string(ev.Type),
			ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.TimestampSource,
			actor, ev.ClientIP, ev.UserAgent,
			ev.ResourceType, ev.ResourceID, ev.ResourceName,
			details, ev.Reason, ev.ChainID.String(),
			strconv.FormatInt(ev.Sequence, 10), ev.PrevHash, ev.EventHash,
		}
		if err := w.Write(record); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "write export row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "flush export")
	}
	return buf.Bytes(), nil
}
