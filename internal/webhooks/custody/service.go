package custodywebhook

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/vaultflow-backend/pkg/cache"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
)

// Outcome reports how a notification was handled. Every outcome maps to HTTP 200.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

const (
	notificationTestPing = "webhooks.test"
	transactionsPrefix   = "transactions."
)

// Notification is the signed envelope the custody provider posts.
type Notification struct {
	SubscriptionID   string          `json:"subscriptionId"`
	NotificationID   string          `json:"notificationId" validate:"required"`
	NotificationType string          `json:"notificationType" validate:"required"`
	Notification     json.RawMessage `json:"notification"`
	Timestamp        time.Time       `json:"timestamp" validate:"required"`
	Version          int             `json:"version"`
}

type keyFetcher interface {
	PublicKey(ctx context.Context, keyID string) (*custody.PublicKey, error)
}

type notificationGuard interface {
	CheckAndMark(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type ownerResolver interface {
	OwnerOf(ctx context.Context, walletID string) (string, error)
}

type transactionHandler interface {
	HandleTransactionEvent(ctx context.Context, ownerID string, tx custody.Transaction) error
}

type failureRecorder interface {
	Record(ctx context.Context, n Notification, cause error) error
}

type ServiceParams struct {
	Keys       keyFetcher
	Guard      notificationGuard
	Owners     ownerResolver
	Reconciler transactionHandler
	// Failures parks notifications that fail after acknowledgement. Optional.
	Failures         failureRecorder
	ReplayWindow     time.Duration
	PublicKeyTTL     time.Duration
	VerifySignatures bool
	Metrics          *metrics.WorkflowMetrics
	Logger           *logger.Logger
	Now              func() time.Time
}

// Service authenticates custody notifications and feeds transactions to the reconciler.
type Service struct {
	applier
	keys         keyFetcher
	keyCache     *cache.TTL[string, *ecdsa.PublicKey]
	guard        notificationGuard
	failures     failureRecorder
	replayWindow time.Duration
	verify       bool
	validate     *validator.Validate
	metrics      *metrics.WorkflowMetrics
	logg         *logger.Logger
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Keys == nil && params.VerifySignatures:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "public key fetcher required")
	case params.Guard == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	case params.Owners == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "owner resolver required")
	case params.Reconciler == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	case params.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	case params.ReplayWindow <= 0:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "replay window must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	ttl := params.PublicKeyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		applier:      newApplier(params.Owners, params.Reconciler),
		keys:         params.Keys,
		keyCache:     cache.NewTTL[string, *ecdsa.PublicKey](ttl, now),
		guard:        params.Guard,
		failures:     params.Failures,
		replayWindow: params.ReplayWindow,
		verify:       params.VerifySignatures,
		validate:     validator.New(),
		metrics:      params.Metrics,
		logg:         params.Logger,
		now:          now,
	}, nil
}

// HandleNotification verifies and applies one notification. An error means the
// request itself was unacceptable (bad signature or envelope); internal failures
// are reported as OutcomeFailed with a nil error so the sender does not retry;
// such notifications are parked for the redriver when a failure store is set.
func (s *Service) HandleNotification(ctx context.Context, body []byte, signature, keyID string) (Outcome, error) {
	if s.verify {
		if err := s.verifySignature(ctx, body, signature, keyID); err != nil {
			s.metrics.IncNotification("rejected")
			return "", err
		}
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.metrics.IncNotification("rejected")
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid notification body")
	}
	if err := s.validate.Struct(n); err != nil {
		s.metrics.IncNotification("rejected")
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid notification envelope")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"notification_id":   n.NotificationID,
		"notification_type": n.NotificationType,
	})
	outcome := s.handle(logCtx, n)
	s.metrics.IncNotification(string(outcome))
	return outcome, nil
}

func (s *Service) handle(ctx context.Context, n Notification) Outcome {
	if n.NotificationType == notificationTestPing {
		s.logg.Info(ctx, "custody test notification acknowledged")
		return OutcomeIgnored
	}
	if age := s.now().Sub(n.Timestamp); age > s.replayWindow {
		s.logg.Warn(s.logg.WithField(ctx, "age", age.String()), "notification outside replay window; not processed")
		return OutcomeStale
	}
	if !strings.HasPrefix(n.NotificationType, transactionsPrefix) {
		s.logg.Info(ctx, "notification type not handled")
		return OutcomeIgnored
	}

	seen, err := s.guard.CheckAndMark(ctx, n.NotificationID)
	if err != nil {
		s.logg.Error(ctx, "notification idempotency check failed", err)
		return OutcomeFailed
	}
	if seen {
		s.logg.Info(ctx, "notification already processed")
		return OutcomeDuplicate
	}

	if err := s.apply(ctx, n); err != nil {
		s.logg.Error(ctx, "notification processing failed", err)
		s.park(ctx, n, err)
		if rerr := s.guard.Release(context.WithoutCancel(ctx), n.NotificationID); rerr != nil {
			s.logg.Error(ctx, "failed to release notification idempotency key", rerr)
		}
		return OutcomeFailed
	}
	return OutcomeProcessed
}

// park keeps a failed notification for the redriver. Malformed payloads are
// not parked since a retry cannot fix them.
func (s *Service) park(ctx context.Context, n Notification, cause error) {
	if s.failures == nil || pkgerrors.IsCode(cause, pkgerrors.CodeValidation) {
		return
	}
	if err := s.failures.Record(context.WithoutCancel(ctx), n, cause); err != nil {
		s.logg.Error(ctx, "failed to park notification", err)
		return
	}
	s.metrics.IncNotification("parked")
}

// applier resolves the wallet owner of a transaction notification and hands
// the transaction to the reconciler.
type applier struct {
	owners     ownerResolver
	reconciler transactionHandler
	txValidate *validator.Validate
}

func newApplier(owners ownerResolver, reconciler transactionHandler) applier {
	return applier{owners: owners, reconciler: reconciler, txValidate: validator.New()}
}

func (a applier) apply(ctx context.Context, n Notification) error {
	var tx custody.Transaction
	if err := json.Unmarshal(n.Notification, &tx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode transaction notification")
	}
	if err := a.txValidate.Struct(tx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction notification")
	}
	ownerID, err := a.owners.OwnerOf(ctx, tx.WalletID)
	if err != nil {
		return err
	}
	return a.reconciler.HandleTransactionEvent(ctx, ownerID, tx)
}

func (s *Service) verifySignature(ctx context.Context, body []byte, signature, keyID string) error {
	if strings.TrimSpace(signature) == "" || strings.TrimSpace(keyID) == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "notification signature missing")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "notification signature is not base64")
	}
	key, err := s.keyCache.GetOrLoad(ctx, keyID, s.loadKey)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(body)
	if !ecdsa.VerifyASN1(key, digest[:], sig) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "notification signature invalid")
	}
	return nil
}

func (s *Service) loadKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	raw, err := s.keys.PublicKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(raw.PublicKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode notification public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "parse notification public key")
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("notification key %s is not ECDSA", keyID))
	}
	return key, nil
}
