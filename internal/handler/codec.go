package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
)

// maxBodySize caps request bodies.
const maxBodySize = 64 << 10

// decodeError marks a syntactically broken request body.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "malformed request body: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// decodeBody reads r's body and calls field for each top-level key.
func decodeBody(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return &decodeError{err: err}
	}
	if err := jx.DecodeBytes(data).Obj(field); err != nil {
		var invalid *promo.InvalidFieldError
		if errors.As(err, &invalid) {
			return invalid
		}
		return &decodeError{err: err}
	}
	return nil
}

// decodeDecimal accepts a JSON string ("12.50") or number (12.5) and returns
// its literal text.
func decodeDecimal(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", errors.New("expected string or number")
	}
}

func decodeMoney(d *jx.Decoder, field string) (money.Money, error) {
	s, err := decodeDecimal(d)
	if err != nil {
		return 0, err
	}
	m, err := money.Parse(s)
	if err != nil {
		return 0, &promo.InvalidFieldError{Field: field, Message: err.Error()}
	}
	return m, nil
}

// decodeTime parses an RFC 3339 timestamp. JSON null yields nil.
func decodeTime(d *jx.Decoder, field string) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &promo.InvalidFieldError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, status, &e)
}

// writeRejection reports a business rejection with its machine-readable
// reason.
func writeRejection(w http.ResponseWriter, reason promo.Reason) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(http.StatusUnprocessableEntity)
	e.FieldStart("reason")
	e.Str(string(reason))
	e.FieldStart("message")
	e.Str(reason.Message())
	e.ObjEnd()
	writeJSON(w, http.StatusUnprocessableEntity, &e)
}

// writeError maps service errors to HTTP responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid *promo.InvalidFieldError
		decode  *decodeError
	)
	switch {
	case errors.As(err, &decode):
		writeMessage(w, http.StatusBadRequest, decode.Error())
	case errors.As(err, &invalid):
		writeMessage(w, http.StatusUnprocessableEntity, invalid.Error())
	case errors.Is(err, promo.ErrNotFound):
		writeMessage(w, http.StatusNotFound, promo.ErrNotFound.Error())
	case errors.Is(err, promo.ErrDuplicateCode),
		errors.Is(err, promo.ErrHasRedemptions),
		errors.Is(err, promo.ErrMaxUsesBelowUsage):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, promo.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeMessage(w, http.StatusServiceUnavailable, "promo code is busy, retry later")
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

func encodeTime(e *jx.Encoder, field string, t *time.Time) {
	if t == nil {
		return
	}
	e.FieldStart(field)
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeOptStr(e *jx.Encoder, field, v string) {
	if v == "" {
		return
	}
	e.FieldStart(field)
	e.Str(v)
}

func encodeCode(e *jx.Encoder, c *promo.Code) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID.String())
	e.FieldStart("code")
	e.Str(c.Code)
	encodeOptStr(e, "description", c.Description)
	e.FieldStart("discountType")
	e.Str(string(c.Discount.Type))
	e.FieldStart("discountAmount")
	if c.Discount.Type == promo.DiscountFixed {
		e.Str(c.Discount.Amount.String())
	} else {
		e.Str(c.Discount.Value().String())
	}
	e.FieldStart("minimumPurchase")
	e.Str(c.MinimumPurchase.String())
	e.FieldStart("maxUses")
	e.Int(c.MaxUses)
	e.FieldStart("maxUsesPerUser")
	e.Int(c.MaxUsesPerUser)
	e.FieldStart("usedCount")
	e.Int(c.UsedCount)
	encodeTime(e, "validFrom", c.ValidFrom)
	encodeTime(e, "validUntil", c.ValidUntil)
	encodeOptStr(e, "templateId", c.ScopeTemplateID)
	encodeOptStr(e, "creatorId", c.ScopeCreatorID)
	e.FieldStart("isActive")
	e.Bool(c.IsActive)
	encodeTime(e, "createdAt", &c.CreatedAt)
	encodeTime(e, "updatedAt", &c.UpdatedAt)
	e.ObjEnd()
}

func encodeRedemption(e *jx.Encoder, code string, r *promo.Redemption) {
	e.ObjStart()
	e.FieldStart("redemptionId")
	e.Str(r.ID.String())
	e.FieldStart("promoCodeId")
	e.Str(r.PromoCodeID.String())
	if code != "" {
		e.FieldStart("code")
		e.Str(code)
	}
	e.FieldStart("userId")
	e.Str(r.UserID)
	e.FieldStart("purchaseAmount")
	e.Str(r.PurchaseAmount.String())
	e.FieldStart("discountApplied")
	e.Str(r.DiscountApplied.String())
	e.FieldStart("finalAmount")
	e.Str(r.PurchaseAmount.Sub(r.DiscountApplied).String())
	encodeTime(e, "redeemedAt", &r.RedeemedAt)
	e.ObjEnd()
}
