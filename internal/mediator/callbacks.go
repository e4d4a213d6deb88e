package mediator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/bbblb/bbblb/internal/store"
	"github.com/jackc/pgx/v5"
)

// jwtCallbackAllowList is the set of create parameters whose value is a
// callback URL that the backend later re-invokes with a signed JWT payload
// (spec.md §4.6 step 6). The map value is the typeName persisted alongside
// the Callback row and embedded in the rewritten path.
var jwtCallbackAllowList = map[string]string{
	"meta_analytics-callback-url": "analytics-callback-url",
}

// endCallbackSig computes the HMAC-SHA256 signature guarding the rewritten
// meetingEndedURL (spec.md §4.6, §8 scenario 2).
func endCallbackSig(globalSecret, uuid string) string {
	mac := hmac.New(sha256.New, []byte(globalSecret))
	mac.Write([]byte("bbblb:callback:end:" + uuid))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEndCallbackSig recomputes the signature and compares it in constant
// time, as spec.md §4.7 requires of the callback router.
func VerifyEndCallbackSig(globalSecret, uuid, sig string) bool {
	want := endCallbackSig(globalSecret, uuid)
	return hmac.Equal([]byte(want), []byte(sig))
}

// interceptCallbacks rewrites the create parameters' callback URLs per
// spec.md §4.6 step 6 and persists the corresponding Callback rows in the
// same transaction as the Meeting, so a compensating delete can undo both
// together on a failed forward.
func interceptCallbacks(ctx context.Context, tx pgx.Tx, globalSecret, uuid string, tenantID, serverID int64, params url.Values) error {
	if end := params.Get("meetingEndedURL"); end != "" {
		sig := endCallbackSig(globalSecret, uuid)
		if _, err := store.CreateCallbackTx(ctx, tx, uuid, store.CallbackEnd, tenantID, serverID, &end); err != nil {
			return fmt.Errorf("mediator: persist end callback: %w", err)
		}
		params.Set("meetingEndedURL", fmt.Sprintf("/api/v1/callback/%s/end/%s", uuid, sig))
	}

	for key := range params {
		if !strings.HasPrefix(key, "meta_") || !strings.HasSuffix(key, "-recording-ready-url") {
			continue
		}
		forward := params.Get(key)
		params.Del(key)
		if forward == "" {
			continue
		}
		if _, err := store.CreateCallbackTx(ctx, tx, uuid, store.CallbackRec, tenantID, serverID, &forward); err != nil {
			return fmt.Errorf("mediator: persist rec callback: %w", err)
		}
	}

	for param, typeName := range jwtCallbackAllowList {
		forward := params.Get(param)
		if forward == "" {
			continue
		}
		if _, err := store.CreateCallbackTx(ctx, tx, uuid, typeName, tenantID, serverID, &forward); err != nil {
			return fmt.Errorf("mediator: persist %s callback: %w", typeName, err)
		}
		params.Set(param, fmt.Sprintf("/api/v1/callback/%s/%s", uuid, typeName))
	}

	return nil
}

// rewriteCallbackParamsOnly applies the same URL rewrites as
// interceptCallbacks without persisting any Callback rows, for the
// idempotent-repeat `create` path (spec.md §8 "only one END Callback is
// persisted"): the rows already exist from the meeting's original creation,
// so a repeat must rewrite the forwarded URLs identically without a second
// insert, which would violate the one-END-callback-per-meeting invariant.
func rewriteCallbackParamsOnly(globalSecret, uuid string, params url.Values) {
	if end := params.Get("meetingEndedURL"); end != "" {
		params.Set("meetingEndedURL", fmt.Sprintf("/api/v1/callback/%s/end/%s", uuid, endCallbackSig(globalSecret, uuid)))
	}
	for key := range params {
		if strings.HasPrefix(key, "meta_") && strings.HasSuffix(key, "-recording-ready-url") {
			params.Del(key)
		}
	}
	for param, typeName := range jwtCallbackAllowList {
		if params.Get(param) != "" {
			params.Set(param, fmt.Sprintf("/api/v1/callback/%s/%s", uuid, typeName))
		}
	}
}
