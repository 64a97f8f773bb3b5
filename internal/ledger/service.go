package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/pkg/db"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

// Entry is one observation of a ledger transaction. Empty fields mean "unknown"
// and never overwrite what is already stored.
type Entry struct {
	ID                 string
	OwnerID            string
	Kind               enums.LedgerKind
	Status             enums.LedgerStatus
	Amount             string
	Symbol             string
	Network            string
	SourceNetwork      string
	DestinationNetwork string
	TxHash             string
	RelatedID          string
	Metadata           map[string]any
}

// EntryID builds the stable ledger identity for an event, e.g. swap:<depositId>.
func EntryID(kind enums.LedgerKind, eventID string) string {
	return fmt.Sprintf("%s:%s", kind, strings.TrimSpace(eventID))
}

// Writer merges observations into ledger transactions. Upserts commute, so callers
// need no locking.
type Writer struct {
	tx   db.TxRunner
	repo Repository
	now  func() time.Time
}

type WriterOption func(*Writer)

func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWriter wires a ledger writer with the provided transaction runner and repository.
func NewWriter(tx db.TxRunner, repo Repository, opts ...WriterOption) (*Writer, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	w := &Writer{tx: tx, repo: repo, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Upsert creates the entry on first observation and merges it afterwards.
func (w *Writer) Upsert(ctx context.Context, entry Entry) (*models.LedgerTransaction, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return nil, err
	}

	var out *models.LedgerTransaction
	err = w.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := w.repo.WithTx(tx)
		now := w.now().UTC()

		fresh := newRecord(entry, metadata, now)
		created, err := repo.InsertIfAbsent(ctx, fresh)
		if err != nil {
			return pkgerrors.FromDB(err, "insert ledger transaction")
		}
		if created {
			out = fresh
			return nil
		}

		existing, err := repo.FindByIDForUpdate(ctx, entry.ID)
		if err != nil {
			return pkgerrors.FromDB(err, "load ledger transaction")
		}
		if err := merge(existing, entry, now); err != nil {
			return err
		}
		if err := repo.Update(ctx, existing); err != nil {
			return pkgerrors.FromDB(err, "update ledger transaction")
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the ledger transaction or a NOT_FOUND error.
func (w *Writer) Get(ctx context.Context, id string) (*models.LedgerTransaction, error) {
	entry, err := w.repo.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ledger transaction not found")
		}
		return nil, pkgerrors.FromDB(err, "load ledger transaction")
	}
	return entry, nil
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "ledger id is required")
	}
	if strings.TrimSpace(entry.OwnerID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "ledger owner is required")
	}
	if !entry.Kind.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger kind %q", entry.Kind))
	}
	if entry.Status != "" && !entry.Status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger status %q", entry.Status))
	}
	return nil
}

func newRecord(entry Entry, metadata json.RawMessage, now time.Time) *models.LedgerTransaction {
	status := entry.Status
	if status == "" {
		status = enums.LedgerStatusPending
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return &models.LedgerTransaction{
		ID:                 entry.ID,
		OwnerID:            entry.OwnerID,
		Kind:               entry.Kind,
		Status:             status,
		Amount:             entry.Amount,
		Symbol:             entry.Symbol,
		Network:            entry.Network,
		SourceNetwork:      optional(entry.SourceNetwork),
		DestinationNetwork: optional(entry.DestinationNetwork),
		TxHash:             optional(entry.TxHash),
		RelatedID:          optional(entry.RelatedID),
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// merge applies entry on top of existing: non-empty fields win, metadata merges
// per key, status never regresses and a terminal status is final.
func merge(existing *models.LedgerTransaction, entry Entry, now time.Time) error {
	if entry.Amount != "" {
		existing.Amount = entry.Amount
	}
	if entry.Symbol != "" {
		existing.Symbol = entry.Symbol
	}
	if entry.Network != "" {
		existing.Network = entry.Network
	}
	mergeOptional(&existing.SourceNetwork, entry.SourceNetwork)
	mergeOptional(&existing.DestinationNetwork, entry.DestinationNetwork)
	mergeOptional(&existing.TxHash, entry.TxHash)
	mergeOptional(&existing.RelatedID, entry.RelatedID)

	if entry.Status != "" && !existing.Status.IsTerminal() && entry.Status.Rank() >= existing.Status.Rank() {
		existing.Status = entry.Status
	}

	if len(entry.Metadata) > 0 {
		current := map[string]any{}
		if len(existing.Metadata) > 0 {
			if err := json.Unmarshal(existing.Metadata, &current); err != nil || current == nil {
				current = map[string]any{}
			}
		}
		for k, v := range entry.Metadata {
			if v == nil {
				continue
			}
			current[k] = v
		}
		raw, err := encodeMetadata(current)
		if err != nil {
			return err
		}
		existing.Metadata = raw
	}

	if now.After(existing.UpdatedAt) {
		existing.UpdatedAt = now
	}
	return nil
}

func encodeMetadata(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode ledger metadata")
	}
	return raw, nil
}

func optional(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

func mergeOptional(dst **string, v string) {
	if strings.TrimSpace(v) == "" {
		return
	}
	*dst = &v
}
