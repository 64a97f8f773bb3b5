package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/angelmondragon/vaultflow-backend/api/responses"
	custodywebhook "github.com/angelmondragon/vaultflow-backend/internal/webhooks/custody"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

const (
	signatureHeader = "X-Circle-Signature"
	keyIDHeader     = "X-Circle-Key-Id"

	defaultMaxBodyBytes int64 = 1 << 20
)

type CustodyWebhookService interface {
	HandleNotification(ctx context.Context, body []byte, signature, keyID string) (custodywebhook.Outcome, error)
}

// CustodyWebhook accepts signed transaction notifications. Anything the service
// accepted, including duplicates and internal failures, is answered with 200.
func CustodyWebhook(svc CustodyWebhookService, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "notification body too large"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		outcome, err := svc.HandleNotification(ctx, payload, r.Header.Get(signatureHeader), r.Header.Get(keyIDHeader))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"outcome": string(outcome)})
	}
}
